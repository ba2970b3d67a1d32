// Package provision owns the idempotent provisioning workflow.
//
// Step order within one attempt:
// - authenticate -> [delete realm] -> realm -> frontend client -> backend client -> user
//
// Every step is gated on an existence check, so an attempt can be restarted
// from the top after any failure.
//
// Existing resources are never updated. A client whose redirect URIs drift
// from the configuration keeps its current values.
package provision
