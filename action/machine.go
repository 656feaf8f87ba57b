// Package action drives suggestion requests for one host component at a
// time. Each controller owns a state machine with at most one live request;
// starting a new request cancels the previous one and results of superseded
// requests are dropped.
package action

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Paranoid-AF/wandlet/apply"
	"github.com/Paranoid-AF/wandlet/client"
	"github.com/Paranoid-AF/wandlet/extract"
	"github.com/Paranoid-AF/wandlet/field"
)

// State is the lifecycle position of a controller.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateSuggested
	StateError
	// StateNoMore means the server had no further suggestions.
	StateNoMore
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateSuggested:
		return "suggested"
	case StateError:
		return "error"
	case StateNoMore:
		return "no_more"
	}
	return "unknown"
}

// Status is the observable state of a controller.
type Status struct {
	State State
	// Message is the user-facing error text in StateError.
	Message string
	// Result is the suggestion text in StateSuggested.
	Result string
	// Change records what applying the suggestion did to the target.
	Change apply.Change
}

// ErrUnknownPrompt is reported when the requested prompt is not configured.
var ErrUnknownPrompt = errors.New("Invalid prompt provided.")

// UnknownErrorMessage is shown for failures that carry no server message.
const UnknownErrorMessage = "An unknown error occurred. Please try again."

// Machine is the shared Idle → Loading → Suggested/Error → Idle lifecycle.
// Observers are notified while the machine lock is held and must not call
// back into the machine.
type Machine struct {
	mu      sync.Mutex
	handle  *client.Handle
	status  *field.Value[Status]
	message func(error) string
}

// NewMachine returns an idle machine. message maps failures to user-facing
// text; nil uses the server message or UnknownErrorMessage.
func NewMachine(message func(error) string) *Machine {
	if message == nil {
		message = DefaultMessage
	}
	return &Machine{status: field.NewValue(Status{}), message: message}
}

// DefaultMessage returns the server's message for request errors, the text
// of known local failures and UnknownErrorMessage otherwise.
func DefaultMessage(err error) string {
	var reqErr *client.RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Message
	case errors.Is(err, ErrUnknownPrompt):
		return ErrUnknownPrompt.Error()
	case errors.Is(err, extract.ErrNoContent):
		return extract.ErrNoContent.Error()
	}
	return UnknownErrorMessage
}

// Status returns the current status.
func (m *Machine) Status() Status { return m.status.Get() }

// Observe registers fn for status changes.
func (m *Machine) Observe(fn func(old, new Status)) func() { return m.status.Observe(fn) }

// Begin cancels any live request, enters Loading and returns the handle of
// the new request.
func (m *Machine) Begin(parent context.Context) *client.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		m.handle.Cancel()
	}
	h := client.NewHandle(parent)
	m.handle = h
	m.status.Set(Status{State: StateLoading})
	return h
}

// Current reports whether h is still the live request.
func (m *Machine) Current(h *client.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle == h
}

// Finish settles the request of h. When h was superseded or reset nothing
// happens and false is returned. Otherwise a cancellation returns to Idle,
// an error enters Error and success calls onSuccess, which decides the
// resulting status, while still holding the lock.
func (m *Machine) Finish(h *client.Handle, err error, onSuccess func() Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != h {
		slog.Debug("dropping result of superseded request", "error", err)
		return false
	}
	m.handle = nil
	defer h.Cancel()

	var st Status
	switch {
	case err == nil && onSuccess != nil:
		st = onSuccess()
	case err == nil:
		st = Status{State: StateSuggested}
	case IsCancelled(err):
		st = Status{State: StateIdle}
	default:
		slog.Debug("request failed", "error", err)
		st = Status{State: StateError, Message: m.message(err)}
	}
	m.status.Set(st)
	return true
}

// Fail settles h with err.
func (m *Machine) Fail(h *client.Handle, err error) bool { return m.Finish(h, err, nil) }

// Cancel aborts the live request. Its controller returns to Idle when the
// request unwinds.
func (m *Machine) Cancel() {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// Reset aborts any live request and returns to Idle immediately.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		m.handle.Cancel()
		m.handle = nil
	}
	m.status.Set(Status{State: StateIdle})
}

// Sleep waits for d or until h is cancelled.
func Sleep(h *client.Handle, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-h.Context().Done():
		return h.Context().Err()
	}
}

// IsCancelled reports whether err stems from a cancelled request.
func IsCancelled(err error) bool {
	return errors.Is(err, client.ErrCancelled) || errors.Is(err, context.Canceled)
}
