package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/term"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/action"
)

// termWriter wraps a file and converts \n to \r\n when the file is a terminal
// (needed because raw mode disables the kernel's NL→CRNL translation).
// When the file is redirected, \n passes through unchanged.
func termWriter(f *os.File) io.Writer {
	if term.IsTerminal(int(f.Fd())) {
		return &crlfWriter{w: f}
	}
	return f
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	replaced := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	_, err := c.w.Write(replaced)
	return len(p), err // report original length to caller
}

// Entry is one logged action.
type Entry struct {
	Request     RequestEntry      `toml:"request"`
	Result      *ResultEntry      `toml:"result,omitempty"`
	Error       *ErrorEntry       `toml:"error,omitempty"`
	Suggestions []SuggestionEntry `toml:"suggestions,omitempty"`
	Feedback    *FeedbackEntry    `toml:"feedback,omitempty"`
}

type RequestEntry struct {
	Timestamp time.Time          `toml:"timestamp"`
	Action    wandlet.ActionName `toml:"action"`
	Mode      string             `toml:"mode,omitempty"`
	Prompt    string             `toml:"prompt,omitempty"`
	Policy    string             `toml:"policy,omitempty"`
	Input     string             `toml:"input,omitempty"`
}

type ResultEntry struct {
	State  string `toml:"state"`
	Output string `toml:"output"`
	Diff   string `toml:"diff,omitempty"`
}

type ErrorEntry struct {
	State   string `toml:"state"`
	Message string `toml:"message"`
}

type SuggestionEntry struct {
	ID      string `toml:"id"`
	Title   string `toml:"title"`
	EditURL string `toml:"edit_url"`
}

type FeedbackEntry struct {
	Score        int                `toml:"score"`
	Marker       string             `toml:"marker"`
	Remarks      []string           `toml:"remarks"`
	Improvements []ImprovementEntry `toml:"improvements,omitempty"`
}

type ImprovementEntry struct {
	Original    string `toml:"original"`
	Suggested   string `toml:"suggested"`
	Explanation string `toml:"explanation"`
}

// outcome fills the result or error part of e from a controller status.
func (e *Entry) outcome(st action.Status) {
	switch st.State {
	case action.StateError:
		e.Error = &ErrorEntry{State: st.State.String(), Message: st.Message}
	default:
		e.Result = &ResultEntry{State: st.State.String(), Output: st.Result, Diff: st.Change.Diff()}
	}
}

// writeEntry writes a single TOML-formatted entry to w.
func writeEntry(w io.Writer, e Entry) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n\n", strings.Repeat("═", 60))
	if err := toml.NewEncoder(&buf).Encode(e); err != nil {
		return err
	}
	buf.WriteString("\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// summary is the one-line status shown on the terminal.
func summary(st action.Status) string {
	switch st.State {
	case action.StateError:
		return "error: " + st.Message
	case action.StateNoMore:
		return "(no more suggestions)"
	case action.StateIdle:
		return "(cancelled)"
	}
	if d := st.Change.Diff(); d != "" {
		return d
	}
	return st.State.String()
}
