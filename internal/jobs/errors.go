package jobs

import "errors"

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrNoJobs is returned by ClaimNext when nothing is claimable. It is not a failure.
	ErrNoJobs = errors.New("no jobs available")
	// ErrLeaseLost means the caller no longer owns the job it is updating.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrTerminal is returned when a transition is requested on a finished job.
	ErrTerminal = errors.New("job already finished")
	// ErrCancelled is the distinguished condition raised when a job's owner
	// observes a cancellation request.
	ErrCancelled = errors.New("job cancelled by user")
	// ErrShutdown is raised inside a handler when the worker process is stopping.
	ErrShutdown = errors.New("worker shutting down")
	// ErrInvalidParams wraps params that fail decoding or schema validation.
	ErrInvalidParams = errors.New("invalid job params")
	// ErrUnsupportedType is returned for job types without a registered handler.
	ErrUnsupportedType = errors.New("job type not implemented")
)
