package client

import "context"

// Handle is the cancellation handle of one in-flight action.
type Handle struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewHandle derives a cancellable handle from parent.
func NewHandle(parent context.Context) *Handle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

// Context is passed to every blocking step of the action.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel aborts the action. It is safe to call more than once.
func (h *Handle) Cancel() { h.cancel(ErrCancelled) }

// Live reports whether the handle has not been cancelled.
func (h *Handle) Live() bool { return h.ctx.Err() == nil }
