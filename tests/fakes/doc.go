// Package fakes provides test doubles for the rotation's external clients.
//
// Fakes are manually implemented (not generated) to provide precise control
// over test behavior. FakeIAM and FakeCluster keep state in memory, count
// calls per operation and accept queued errors per operation.
//
// Usage:
//
//	iam := fakes.NewFakeIAM()
//	iam.AddUser("cco-root-prod-east-x7k2p")
//	iam.AddKey("cco-root-prod-east-x7k2p", "AKIAOLD", rotation.KeyActive, created)
//	iam.FailNext("DeleteAccessKey", rrerrors.Transient("DeleteAccessKey", errThrottled), 1)
//
//	// ... run a rotation ...
//
//	assert.Empty(t, iam.Violations)
package fakes
