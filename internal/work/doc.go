// Package work sequences background runs through a single worker.
//
// A run is submitted by work type ID with an opaque payload. The processor
// holds at most one run, queued or executing; a second submission while the
// slot is taken is rejected with ErrBusy. Finished runs are kept in a short
// history for status reporting.
package work
