package handlers

import (
	"context"
	"sync"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

type fakeRun struct {
	job   jobs.Job
	token *jobs.Token

	mu       sync.Mutex
	total    int
	counters jobs.Counters
	logs     []string
	// cancelAfter fires the token once this many entities completed.
	cancelAfter int
	completeErr error
}

func newFakeRun(job jobs.Job) *fakeRun {
	return &fakeRun{job: job, token: jobs.NewToken(), total: -1}
}

func (r *fakeRun) Job() jobs.Job      { return r.job }
func (r *fakeRun) Token() *jobs.Token { return r.token }

func (r *fakeRun) SetTotal(_ context.Context, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
	return nil
}

func (r *fakeRun) Complete(_ context.Context, delta jobs.Counters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeErr != nil {
		return r.completeErr
	}
	r.counters = r.counters.Add(delta)
	if r.cancelAfter > 0 && r.counters.Completed() >= r.cancelAfter {
		r.token.Stop(jobs.StopCancelled)
	}
	return nil
}

func (r *fakeRun) Counters() jobs.Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (r *fakeRun) Log(_ jobs.Level, message string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, message)
}
