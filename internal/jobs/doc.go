// Package jobs defines the persistent job model shared by the supervisor, the
// worker loop and the storage backends: job records and their state machine,
// job log entries, worker leases, typed per-type parameters and the
// cancellation token handed to job handlers.
package jobs
