// Package scheduler runs otto's tick loop.
//
// Each tick walks idle -> selecting -> leasing -> dispatching -> recording
// -> idle: it lists up to BatchSize eligible jobs, claims each through the
// lease manager (losing a race is silently skipped), opens a run, executes
// the registered action for the job type under a deadline bounded by the
// lease, then closes the run and advances the job in one transaction.
// Recurring jobs are re-armed at their next natural time whatever the
// outcome; one-shot jobs end done or failed. There is no retry backoff.
package scheduler
