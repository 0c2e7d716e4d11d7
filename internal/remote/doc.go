// Package remote defines the client's contract with the hosted data
// service: point queries, row updates, and a push-based change feed for
// subscribed collections.
//
// Nothing in this package talks to a network. It is the narrow seam
// between the reconciliation components (presence, notify) and whatever
// backend actually serves the data. The in-memory implementation in
// remote/memory backs tests, the replay harness, and the demo CLI.
//
// Error policy: implementations return *ServiceError for failures the
// caller may want to classify. A collection that has not been
// provisioned yet reports CodeSchemaAbsent; callers treat that the same
// as an empty result, never as a fatal error.
package remote
