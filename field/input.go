package field

import "sync"

// EventType names a notification a target emits after it changed.
type EventType string

const (
	EventInput  EventType = "input"
	EventChange EventType = "change"
)

// Event is delivered to listeners of a target.
type Event struct {
	Type  EventType
	Value string
}

// Dispatcher keeps event listeners and delivers events in order.
type Dispatcher struct {
	mu        sync.Mutex
	listeners []func(Event)
}

// Listen registers fn for every event.
func (d *Dispatcher) Listen(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Dispatch delivers e to every listener.
func (d *Dispatcher) Dispatch(e Event) {
	d.mu.Lock()
	listeners := make([]func(Event), len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(e)
	}
}

// Input is a plain text input or textarea.
type Input struct {
	Name string

	value    *Value[string]
	readOnly *Value[bool]
	events   Dispatcher
}

// NewInput returns an input holding value.
func NewInput(name, value string) *Input {
	return &Input{
		Name:     name,
		value:    NewValue(value),
		readOnly: NewValue(false),
	}
}

// Value returns the current text.
func (in *Input) Value() string { return in.value.Get() }

// SetValue replaces the text without emitting events, like a script
// assigning the value property.
func (in *Input) SetValue(v string) { in.value.Set(v) }

// ReadOnly reports whether the user can currently edit the input.
func (in *Input) ReadOnly() bool { return in.readOnly.Get() }

// SetReadOnly toggles the read-only flag.
func (in *Input) SetReadOnly(ro bool) { in.readOnly.Set(ro) }

// Listen registers fn for input and change events.
func (in *Input) Listen(fn func(Event)) { in.events.Listen(fn) }

// Dispatch emits an event carrying the current value.
func (in *Input) Dispatch(t EventType) {
	in.events.Dispatch(Event{Type: t, Value: in.Value()})
}

// ObserveValue registers fn for value changes.
func (in *Input) ObserveValue(fn func(old, new string)) func() { return in.value.Observe(fn) }
