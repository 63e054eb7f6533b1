// Package api is otto's local control surface: run-now escalation, message
// enqueue, job inspection, health, metrics and pprof. It binds to loopback by
// default and carries no authentication.
package api
