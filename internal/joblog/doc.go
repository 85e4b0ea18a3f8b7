// Package joblog buffers job log entries and fans them out to sinks in
// batches. Emitting never blocks a worker: when the buffer is full the entry
// is dropped and counted.
package joblog
