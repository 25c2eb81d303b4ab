// Package service is the ledger's only write entry point.
//
// Every command is journaled before it is applied to the engine; the
// events it produced go to the outbox in the same step, and any
// computation request is handed to the cluster after the step commits.
// Replaying the journal on start rebuilds the same state and the same
// outbox keys.
package service
