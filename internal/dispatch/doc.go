// Package dispatch moves jobs from the queue store to tenant handlers.
//
// A Loop leases one job, resolves the tenant's Worker through the Registry,
// invokes the Handler and acks or fails the job. Many loops may run at once,
// in one process or many; the store's atomic Lease is their only
// coordination.
package dispatch
