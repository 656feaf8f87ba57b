package editor

import (
	"sync"

	"github.com/Paranoid-AF/wandlet/field"
)

// Host adapts a concrete rich-text editor. Implementations keep the editor
// state and forward events to whatever listens on the underlying input.
type Host interface {
	EditorState() State
	SetEditorState(State)
	Dispatch(field.EventType)
}

// Buffer is an in-memory Host.
type Buffer struct {
	mu     sync.Mutex
	state  State
	events field.Dispatcher
}

// NewBuffer returns a buffer holding doc.
func NewBuffer(doc Document) *Buffer {
	return &Buffer{state: NewState(doc)}
}

func (b *Buffer) EditorState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Buffer) SetEditorState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Listen registers fn for input and change events.
func (b *Buffer) Listen(fn func(field.Event)) { b.events.Listen(fn) }

func (b *Buffer) Dispatch(t field.EventType) {
	b.events.Dispatch(field.Event{Type: t, Value: b.EditorState().Document().PlainText()})
}

// Text returns the plain text of the current document.
func (b *Buffer) Text() string { return b.EditorState().Document().PlainText() }
