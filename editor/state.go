package editor

// ChangeType tags an undo entry with the kind of edit that produced it.
type ChangeType string

const (
	ChangeInsertCharacters ChangeType = "insert-characters"
	ChangeRemoveRange      ChangeType = "remove-range"
)

type history struct {
	doc       Document
	selection Range
	change    ChangeType
	prev      *history
	depth     int
}

func (h *history) push(doc Document, sel Range, change ChangeType) *history {
	depth := 1
	if h != nil {
		depth = h.depth + 1
	}
	return &history{doc: doc, selection: sel, change: change, prev: h, depth: depth}
}

// State is an immutable editor snapshot: the document, the selection and
// the undo/redo stacks. Every edit returns a new State.
type State struct {
	doc        Document
	selection  Range
	lastChange ChangeType
	undo       *history
	redo       *history
}

// NewState starts a history at doc with the caret at the beginning.
func NewState(doc Document) State {
	return State{doc: doc, selection: Caret(doc.FirstPosition())}
}

// Document returns the current content.
func (s State) Document() Document { return s.doc }

// Selection returns the current selection.
func (s State) Selection() Range { return s.selection }

// LastChange returns the change type of the most recent pushed edit.
func (s State) LastChange() ChangeType { return s.lastChange }

// UndoDepth returns the number of entries that can be undone.
func (s State) UndoDepth() int {
	if s.undo == nil {
		return 0
	}
	return s.undo.depth
}

// MoveSelectionToEnd collapses the selection at the end of the document.
func (s State) MoveSelectionToEnd() State {
	s.selection = Caret(s.doc.LastPosition())
	return s
}

// SelectAll selects from the first position of the first block to the
// last position of the last block.
func (s State) SelectAll() State {
	s.selection = s.doc.All()
	return s
}

// Push records doc as a single undoable edit and places the caret at caret.
func (s State) Push(doc Document, caret Position, change ChangeType) State {
	s.undo = s.undo.push(s.doc, s.selection, s.lastChange)
	s.redo = nil
	s.doc = doc
	s.selection = Caret(caret)
	s.lastChange = change
	return s
}

// Undo reverts the last pushed edit. ok is false when there is nothing to undo.
func (s State) Undo() (State, bool) {
	if s.undo == nil {
		return s, false
	}
	prev := s.undo
	s.redo = s.redo.push(s.doc, s.selection, s.lastChange)
	s.doc, s.selection, s.lastChange = prev.doc, prev.selection, prev.change
	s.undo = prev.prev
	return s, true
}

// Redo re-applies the last undone edit.
func (s State) Redo() (State, bool) {
	if s.redo == nil {
		return s, false
	}
	next := s.redo
	s.undo = s.undo.push(s.doc, s.selection, s.lastChange)
	s.doc, s.selection, s.lastChange = next.doc, next.selection, next.change
	s.redo = next.prev
	return s, true
}

// InsertText replaces the selection with text as one undoable edit.
func (s State) InsertText(text string) (State, error) {
	doc, caret, err := s.doc.ReplaceRange(s.selection, text)
	if err != nil {
		return s, err
	}
	return s.Push(doc, caret, ChangeInsertCharacters), nil
}
