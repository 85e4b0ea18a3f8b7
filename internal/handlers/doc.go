// Package handlers implements the job-type handlers run by workers.
package handlers
