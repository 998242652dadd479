// Package jobqueue implements a durable, due-time-ordered job queue on top
// of the jobs table.
//
// Multiple process instances may poll the same store concurrently; the only
// cross-instance coordination is the conditional claim update (succeeds only
// while the lock is still null). A claimed job whose worker crashes is
// recovered when its lease goes stale. Failed jobs are retried indefinitely
// with a capped linear backoff, never abandoned.
package jobqueue
