package apply

import (
	"strings"
	"testing"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/editor"
	"github.com/Paranoid-AF/wandlet/field"
)

func TestApplyTextAppend(t *testing.T) {
	in := field.NewInput("body", "The cat")
	change, err := Apply(TextTarget{Input: in}, " sat.", wandlet.PolicyAppend)
	if err != nil {
		t.Fatal(err)
	}
	if in.Value() != "The cat sat." {
		t.Errorf("expected 'The cat sat.', got %q", in.Value())
	}
	if change.Before != "The cat" || change.After != "The cat sat." {
		t.Errorf("unexpected change %+v", change)
	}
}

func TestApplyTextReplace(t *testing.T) {
	in := field.NewInput("body", "teh cat")
	if _, err := Apply(TextTarget{Input: in}, "the cat", wandlet.PolicyReplace); err != nil {
		t.Fatal(err)
	}
	if in.Value() != "the cat" {
		t.Errorf("expected 'the cat', got %q", in.Value())
	}
}

func TestApplyTextIsDeterministic(t *testing.T) {
	for _, policy := range []wandlet.ApplyPolicy{wandlet.PolicyAppend, wandlet.PolicyReplace} {
		a := field.NewInput("a", "value")
		b := field.NewInput("b", "value")
		Apply(TextTarget{Input: a}, "result", policy)
		Apply(TextTarget{Input: b}, "result", policy)
		if a.Value() != b.Value() {
			t.Errorf("%s: expected equal results, got %q and %q", policy, a.Value(), b.Value())
		}
	}
}

func TestApplyEmitsInputThenChangeOnce(t *testing.T) {
	in := field.NewInput("body", "x")
	var events []field.EventType
	in.Listen(func(e field.Event) { events = append(events, e.Type) })

	if _, err := Apply(TextTarget{Input: in}, "y", wandlet.PolicyReplace); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0] != field.EventInput || events[1] != field.EventChange {
		t.Errorf("expected [input change], got %v", events)
	}
}

func TestApplyUnknownPolicy(t *testing.T) {
	in := field.NewInput("body", "x")
	var events int
	in.Listen(func(field.Event) { events++ })
	if _, err := Apply(TextTarget{Input: in}, "y", "merge"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if in.Value() != "x" || events != 0 {
		t.Errorf("expected untouched target, got %q with %d events", in.Value(), events)
	}
}

func TestApplyEditorAppend(t *testing.T) {
	buf := editor.NewBuffer(editor.NewDocument("Intro", "Body"))
	var events []field.EventType
	buf.Listen(func(e field.Event) { events = append(events, e.Type) })

	if _, err := Apply(EditorTarget{Host: buf}, "More.", wandlet.PolicyAppend); err != nil {
		t.Fatal(err)
	}
	state := buf.EditorState()
	if got := state.Document().PlainText(); got != "Intro\nBody\nMore." {
		t.Errorf("expected appended text after one break, got %q", got)
	}
	if state.UndoDepth() != 1 {
		t.Errorf("expected a single undo entry, got %d", state.UndoDepth())
	}
	if state.LastChange() != editor.ChangeInsertCharacters {
		t.Errorf("expected insert-characters, got %q", state.LastChange())
	}
	if len(events) != 2 || events[0] != field.EventInput || events[1] != field.EventChange {
		t.Errorf("expected [input change], got %v", events)
	}

	undone, ok := state.Undo()
	if !ok || undone.Document().PlainText() != "Intro\nBody" {
		t.Errorf("expected one undo to restore the original, got %q", undone.Document().PlainText())
	}
}

func TestApplyEditorReplace(t *testing.T) {
	buf := editor.NewBuffer(editor.NewDocument("Para one.", "Para two."))
	if _, err := Apply(EditorTarget{Host: buf}, "Rewritten.", wandlet.PolicyReplace); err != nil {
		t.Fatal(err)
	}
	state := buf.EditorState()
	if got := state.Document().PlainText(); got != "Rewritten." {
		t.Errorf("expected full replacement, got %q", got)
	}
	if state.UndoDepth() != 1 {
		t.Errorf("expected a single undo entry, got %d", state.UndoDepth())
	}
}

func TestAppendToEmptyEditor(t *testing.T) {
	next, err := Append(editor.NewState(editor.NewDocument()), "Hello")
	if err != nil {
		t.Fatal(err)
	}
	if got := next.Document().PlainText(); got != "\nHello" {
		t.Errorf("expected exactly one break before text, got %q", got)
	}
	if n := next.Document().Len(); n != 2 {
		t.Errorf("expected the result in a new paragraph, got %d blocks", n)
	}
}

func TestChangeDiff(t *testing.T) {
	c := Change{Before: "The cat", After: "The cat sat."}
	diff := c.Diff()
	if !strings.Contains(diff, "+ sat.") {
		t.Errorf("expected insertion in diff, got %q", diff)
	}
	if strings.Contains(diff, "-") {
		t.Errorf("expected no deletion in diff, got %q", diff)
	}
}
