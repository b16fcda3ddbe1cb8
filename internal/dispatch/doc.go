// Package dispatch owns run_dispatch rows: claimable, leased, epoch-fenced
// executions of an agent against a coalesced message batch.
//
// Claiming is a single conditional UPDATE ... RETURNING. It only succeeds while
// processing is enabled and fewer than max_concurrent_dispatches rows hold a
// live lease. Candidates are the oldest queued dispatch of each lane, and the
// lane claimed least recently wins, so one busy conversation cannot starve the
// others.
//
// Lease handling:
//   - A lease is (dispatch id, claimed_by, attempt_count) plus the epoch it was
//     issued under
//   - Renewal fails once the control epoch moves, so any pause or resume
//     invalidates every outstanding lease
//   - Completion and effect emission are accepted on a stale epoch only during
//     a soft pause; a hard pause voids them immediately
//   - An expired lease is returned to the queue by RequeueExpired, or failed
//     once max_attempts claims have been spent
//
// Operator control is cooperative. Cancel and pause requests set
// control_state; the executing worker observes them through Checkpoint and
// reports the outcome itself. Queued rows are cancelled immediately.
//
// The Dispatcher worker pool claims rows, runs an Executor while a heartbeat
// renews the lease, and records the outcome:
//   - Executor returns nil → completed
//   - Executor returns a *Failure with Retryable=false → failed
//   - any other error → retried with backoff until max_attempts
//   - Checkpoint directive Cancel/Pause → cancelled / back to queued
//   - lease lost → abandoned without a write; recovery is reclaim based
package dispatch
