// Package queue defines the job queue protocol shared by the dispatch loop,
// the maintenance service and the storage drivers.
//
// A job is one inbound update for one tenant. Its lifecycle:
//
//	pending -> processing -> done
//	processing -> retry -> (due) -> processing ...
//	processing -> dead            (attempts exhausted, or non-retryable failure)
//	processing -> pending         (lease reclaimed after a timeout)
//
// Delivery is at-least-once. A job has at most one lease holder at a time and
// the store, not the leaser, owns lease expiry: a crashed dispatcher leaves its
// job in processing until Reclaim moves it back to pending.
package queue
