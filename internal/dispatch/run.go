package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Executor performs one dispatch attempt. A nil return completes the
// dispatch. Returning a *StopError honours a cancel or pause directive;
// wrap errors with Permanent to fail without retry. Any other error is
// retried while attempts remain.
type Executor interface {
	Execute(ctx context.Context, run *Run) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run *Run) error

func (f ExecutorFunc) Execute(ctx context.Context, run *Run) error { return f(ctx, run) }

// Effect is an outbound side effect a run asks to have delivered.
type Effect struct {
	Channel   string
	Kind      string
	Payload   json.RawMessage
	EffectKey string
	// Ordinal is the position of the effect within its attempt. Run.Emit
	// fills it in; it feeds the derived effect key.
	Ordinal int
}

// Emitter persists effects on behalf of a leased run. The outbox implements it.
type Emitter interface {
	Emit(ctx context.Context, lease Lease, e Effect) (string, error)
}

// StopError is returned by Run.Checkpoint when the attempt must stop.
type StopError struct {
	Directive Directive
	Reason    string
}

func (e *StopError) Error() string {
	if e.Reason == "" {
		return "run stopped: " + string(e.Directive)
	}
	return fmt.Sprintf("run stopped: %s: %s", e.Directive, e.Reason)
}

// Failure carries a retry decision for an execution error.
type Failure struct {
	Err       error
	Retryable bool
}

func (f *Failure) Error() string { return f.Err.Error() }
func (f *Failure) Unwrap() error { return f.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &Failure{Err: err}
}

// Run is the handle an executor gets for one leased attempt.
type Run struct {
	store    *Store
	emitter  Emitter
	dispatch *Dispatch

	mu      sync.Mutex
	lease   Lease
	ordinal int
}

// NewRun builds a handle for a claimed dispatch. The dispatcher does this;
// it is exported for executors' tests.
func NewRun(store *Store, emitter Emitter, d *Dispatch, lease Lease) *Run {
	return &Run{store: store, emitter: emitter, dispatch: d, lease: lease}
}

// Dispatch returns the row as it was when claimed.
func (r *Run) Dispatch() *Dispatch { return r.dispatch }

// Lease returns the current lease, including renewals.
func (r *Run) Lease() Lease {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease
}

func (r *Run) setLease(l Lease) {
	r.mu.Lock()
	r.lease = l
	r.mu.Unlock()
}

// Checkpoint is a safe point. It returns the current transcript, which grows
// while the lane steers new messages into the run, or a *StopError.
func (r *Run) Checkpoint(ctx context.Context) (string, error) {
	res, err := r.store.Checkpoint(ctx, r.Lease())
	if err != nil {
		return "", err
	}
	if res.Directive != Continue {
		return res.CoalescedText, &StopError{Directive: res.Directive, Reason: res.Reason}
	}
	return res.CoalescedText, nil
}

// LockSteering freezes the transcript. Later lane messages start a new batch.
func (r *Run) LockSteering(ctx context.Context) error {
	return r.store.LockSteering(ctx, r.Lease())
}

// Freeze locks steering and returns the final input of the run. Nothing the
// lane receives afterwards reaches this attempt.
func (r *Run) Freeze(ctx context.Context) (CheckpointResult, error) {
	if err := r.LockSteering(ctx); err != nil {
		return CheckpointResult{}, err
	}
	res, err := r.store.Checkpoint(ctx, r.Lease())
	if err != nil {
		return res, err
	}
	if res.Directive != Continue {
		return res, &StopError{Directive: res.Directive, Reason: res.Reason}
	}
	return res, nil
}

// SetJobID records an external handle for the attempt (a pid, a remote id).
func (r *Run) SetJobID(ctx context.Context, jobID string) error {
	return r.store.SetJobID(ctx, r.Lease(), jobID)
}

// Emit records an effect in the outbox. Effects are numbered in emission
// order within the attempt.
func (r *Run) Emit(ctx context.Context, e Effect) (string, error) {
	if r.emitter == nil {
		return "", errors.New("run has no effect emitter")
	}
	r.mu.Lock()
	e.Ordinal = r.ordinal
	r.ordinal++
	lease := r.lease
	r.mu.Unlock()
	return r.emitter.Emit(ctx, lease, e)
}

// outcomeFor maps an executor result onto a Complete outcome. ok is false
// when the attempt must be abandoned without writing anything.
func outcomeFor(err error) (Outcome, bool) {
	if err == nil {
		return Outcome{Kind: OutcomeCompleted}, true
	}
	var stop *StopError
	if errors.As(err, &stop) {
		switch stop.Directive {
		case Cancel:
			return Outcome{Kind: OutcomeCancelled, Error: stop.Reason}, true
		case Pause:
			return Outcome{Kind: OutcomePaused}, true
		default:
			return Outcome{}, false
		}
	}
	if errors.Is(err, ErrLeaseLost) {
		return Outcome{}, false
	}
	var f *Failure
	if errors.As(err, &f) {
		return Outcome{Kind: OutcomeFailed, Error: err.Error(), Retryable: f.Retryable}, true
	}
	return Outcome{Kind: OutcomeFailed, Error: err.Error(), Retryable: true}, true
}
