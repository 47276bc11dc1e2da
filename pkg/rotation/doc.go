// Package rotation rotates the AWS root credential that a cluster's
// credential-minting operator uses to mint per-component IAM users.
//
// The root credential is an IAM access key stored in a cluster Secret. The
// minting operator reads it and creates one narrowly scoped IAM user per
// CredentialsRequest, writing those credentials into component Secrets.
// Rotating the root key therefore has two halves: replacing the key the
// operator holds, and making every component re-mint its own credentials.
//
// # Architecture Overview
//
//     ┌─────────────────────────────────────────────────────────────┐
//     │                  CLI Commands                               │
//     │            (cmd/rootrotate/commands/)                       │
//     └─────────────────────────┬───────────────────────────────────┘
//                               │
//     ┌─────────────────────────▼───────────────────────────────────┐
//     │                Orchestrator (engine.go)                     │
//     │                                                             │
//     │  Preflight → Identity → Principal → Key Lifecycle           │
//     │            → Refresher → Health → Report                    │
//     └──────┬──────────────────┬──────────────────┬────────────────┘
//            │                  │                  │
//     ┌──────▼──────┐    ┌──────▼──────┐    ┌──────▼──────┐
//     │  IAMClient  │    │ClusterClient│    │ BackupStore │
//     │  KeyVerifier│    │             │    │ HistoryStore│
//     └──────┬──────┘    └──────┬──────┘    └──────┬──────┘
//            │                  │                  │
//     ┌──────▼──────┐    ┌──────▼──────┐    ┌──────▼──────┐
//     │ AWS IAM/STS │    │ Kubernetes  │    │ files or    │
//     │             │    │ API server  │    │ Secrets Mgr │
//     └─────────────┘    └─────────────┘    └─────────────┘
//
// # Key Lifecycle
//
// The key lifecycle is an explicit state machine:
//
//	Discovering → BackingUp → RetiringOld → Minting → Installing
//	            → ConfirmingNewKey → Committed
//
// Any non-terminal state may move to Failed. Every state before Committed can
// be re-entered from Discovering on the next run, so an interrupted rotation
// is resumed by running it again.
//
// Two rules hold at every step:
//
//   - The key referenced by the root secret is never retired.
//   - The principal is never left without an Active key.
//
// An AWS user holds at most two access keys. Making room for a new key may
// require retiring an old one first; when that would leave no Active key, the
// retirement is deferred until the new key is installed and confirmed.
//
// # Failure Handling
//
// Errors are classified by internal/errors. Transient errors are retried with
// exponential backoff; everything else stops the run. CreateAccessKey is not
// idempotent and is never retried. When a new key cannot be confirmed through
// STS, the root secret is restored from the backup taken earlier in the run
// and the run is reported as Failed.
//
// # Dry Run
//
// A dry run performs discovery only. Every mutation is recorded in the report
// as planned and no IAM, Secret or backup write is made.
package rotation
