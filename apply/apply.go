// Package apply merges a suggestion into its target according to the
// prompt's apply policy and notifies the host afterwards.
package apply

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/editor"
	"github.com/Paranoid-AF/wandlet/field"
)

// Target is anything a suggestion can be written into.
type Target interface {
	Text() string
	apply(result string, policy wandlet.ApplyPolicy) error
	dispatch(field.EventType)
}

// Change records the target text before and after an application.
type Change struct {
	Before string
	After  string
}

// Diff summarises the change as "+inserted" / "-deleted" runs.
func (c Change) Diff() string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(c.Before, c.After, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			sb.WriteString("+")
			sb.WriteString(d.Text)
			sb.WriteString("\n")
		case diffmatchpatch.DiffDelete:
			sb.WriteString("-")
			sb.WriteString(d.Text)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Apply writes result into target and then emits exactly one input and one
// change event, in that order.
func Apply(target Target, result string, policy wandlet.ApplyPolicy) (Change, error) {
	if policy != wandlet.PolicyAppend && policy != wandlet.PolicyReplace {
		return Change{}, fmt.Errorf("unknown apply policy %q", policy)
	}
	before := target.Text()
	if err := target.apply(result, policy); err != nil {
		return Change{}, err
	}
	target.dispatch(field.EventInput)
	target.dispatch(field.EventChange)
	return Change{Before: before, After: target.Text()}, nil
}

// TextTarget writes into a plain input.
type TextTarget struct {
	Input *field.Input
}

// Text returns the input value.
func (t TextTarget) Text() string { return t.Input.Value() }

func (t TextTarget) apply(result string, policy wandlet.ApplyPolicy) error {
	if policy == wandlet.PolicyAppend {
		t.Input.SetValue(t.Input.Value() + result)
		return nil
	}
	t.Input.SetValue(result)
	return nil
}

func (t TextTarget) dispatch(e field.EventType) { t.Input.Dispatch(e) }

// EditorTarget writes into a rich-text editor through its host adapter.
type EditorTarget struct {
	Host editor.Host
}

// Text returns the plain text of the editor document.
func (t EditorTarget) Text() string { return t.Host.EditorState().Document().PlainText() }

func (t EditorTarget) apply(result string, policy wandlet.ApplyPolicy) error {
	state := t.Host.EditorState()
	var (
		next editor.State
		err  error
	)
	if policy == wandlet.PolicyAppend {
		next, err = Append(state, result)
	} else {
		next, err = Replace(state, result)
	}
	if err != nil {
		return err
	}
	t.Host.SetEditorState(next)
	return nil
}

func (t EditorTarget) dispatch(e field.EventType) { t.Host.Dispatch(e) }

// Append moves the selection to the end, starts a new paragraph holding the
// result and records the whole edit as a single undo entry.
func Append(state editor.State, result string) (editor.State, error) {
	state = state.MoveSelectionToEnd()
	doc, caret, err := state.Document().SplitBlock(state.Selection().End)
	if err != nil {
		return state, fmt.Errorf("append suggestion: %w", err)
	}
	doc, caret, err = doc.ReplaceRange(editor.Caret(caret), result)
	if err != nil {
		return state, fmt.Errorf("append suggestion: %w", err)
	}
	return state.Push(doc, caret, editor.ChangeInsertCharacters), nil
}

// Replace selects the whole document and substitutes the result as a
// single undo entry.
func Replace(state editor.State, result string) (editor.State, error) {
	state = state.SelectAll()
	doc, caret, err := state.Document().ReplaceRange(state.Selection(), result)
	if err != nil {
		return state, fmt.Errorf("replace with suggestion: %w", err)
	}
	return state.Push(doc, caret, editor.ChangeInsertCharacters), nil
}
