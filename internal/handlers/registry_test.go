package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/jobs"
)

func TestRegistryRoutesByType(t *testing.T) {
	t.Parallel()

	called := false
	reg := NewRegistry()
	reg.Register(jobs.TypeCSVUpload, jobs.HandlerFunc(func(context.Context, jobs.Run) error {
		called = true
		return nil
	}))

	require.NoError(t, reg.Handle(context.Background(), newFakeRun(jobs.Job{Type: jobs.TypeCSVUpload})))
	require.True(t, called)

	err := reg.Handle(context.Background(), newFakeRun(jobs.Job{Type: jobs.TypeFMSExport}))
	require.ErrorIs(t, err, jobs.ErrUnsupportedType)
	require.EqualError(t, err, "job type not implemented: fms_export")
}
