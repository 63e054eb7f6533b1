// Package storage is otto's durable store: a single SQLite database (WAL,
// busy_timeout) holding the migration ledger, jobs, job runs and the
// outbound message queue.
//
// It is the only package that writes those tables. Every multi-statement
// mutation runs in one transaction; lease claims are a single conditional
// UPDATE whose affected-row count decides the winner.
package storage
