// Package quickfix orchestrates applying and revoking patches of installed
// bundles.
//
// Overview
// The Manager owns a registry of in-flight Tasks, a Dispatcher and a timeout
// supervisor. Every request creates one Task. A Task is a state machine which
// calls the PatchService and the ProcessAuthority asynchronously. Completions
// arrive on arbitrary goroutines and are posted to the Dispatcher, so all
// steps of all tasks run one at a time on the Dispatcher goroutine.
//
// Apply:
//
//	INIT -> DEPLOYING -> DEPLOYED -> [AWAITING_PROCESS_DEATH] -> SWITCHING
//	     -> SWITCHED -> DELETING -> DONE
//
// Revoke:
//
//	INIT -> CHECK_RUNNING -> [AWAITING_UNLOAD] -> SWITCHING_BACK -> DELETING -> DONE
//
// Any non terminal state may move to FAILED.
//
// Every asynchronous call arms a named one-shot timeout. Whichever of the
// completion or the timeout runs first on the Dispatcher drives the
// transition; the other one is ignored. A step generation counter identifies
// stale completions and timeouts.
//
// Invariants:
//   - state only moves forward, DONE and FAILED are terminal
//   - exactly one result event is published per task
//   - Owner.RemoveTask is called exactly once per task
//   - no adapter is called after a task reached a terminal state
package quickfix
