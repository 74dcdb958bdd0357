// Package engine implements the retry-batch orchestration core of fleetinstall.
//
// A run installs one artifact on a batch of hosts. The engine works in rounds:
//
//	Round 1: every host in the batch
//	Round N: only the hosts that failed round N-1
//
// Each host goes through the same three-step workflow, implemented by
// HostOperation:
//
//  1. Stage   - copy the artifact's folder to the staging root on the host
//  2. Install - run the installer (or the executable) and wait for its exit code
//  3. Cleanup - remove the staged folder, whatever the install outcome
//
// Outcomes are recorded in a Ledger, which keeps three disjoint buckets:
// succeeded, failed and skipped. After each round the RetryScheduler drains
// the failed bucket and uses it as the next round's working set. A host that
// succeeded is never touched again; a skipped host (reported by discovery)
// is never attempted at all.
//
// # Termination
//
// The scheduler stops in one of three terminal states:
//
//   - Succeeded:   a round finished with no failures
//   - Exhausted:   the retry budget reached zero with failures left
//   - Interrupted: the context was cancelled between or during rounds
//
// In every case the ledger is settled with the remaining failures, so the
// snapshot handed to the report exporter always partitions the batch.
//
// # Capabilities
//
// The engine never talks to a host directly. It consumes three capabilities:
//
//	Stager.CopyTree       recursive force-overwrite copy to a host
//	Invoker.RemoteInvoke  run a command remotely, return its exit code
//	Remover.RemoteDelete  recursive forced delete on a host
//
// pkg/transports/ssh provides an implementation over SSH and SFTP.
//
// # Concurrency
//
// Hosts within a round are independent. The scheduler fans them out to a
// bounded pool (SchedulerConfig.MaxParallel); the ledger is mutex-guarded.
// Setting MaxParallel to 1 gives strictly sequential processing.
package engine
