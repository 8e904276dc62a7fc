// Package dispatch runs the claim loop that feeds queued jobs to plugin
// sessions.
//
// Each pass of the loop:
//   - takes a slot from the concurrency semaphore, or waits for one to free up
//   - asks the breaker which plugins are paused and claims the oldest queued
//     job outside that set
//   - resolves the plugin's active manifest after the claim and records it on
//     the job as lineage
//   - runs the session in the sandbox and hands the result to the reconciler
//
// Store errors are retried with capped exponential backoff. A job whose
// commit never lands stays running and is recovered as an orphan the next
// time the dispatcher starts.
//
// Shutdown stops claiming immediately. Sessions already running are not
// cancelled; they finish or hit their own timeout and are reconciled before
// Run returns. Operator cancellation is a forced early timeout of one
// session and ends as Aborted.
package dispatch
