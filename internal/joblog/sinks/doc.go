// Package sinks contains joblog.Sink implementations.
package sinks
