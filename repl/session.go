package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/action"
	"github.com/Paranoid-AF/wandlet/client"
	"github.com/Paranoid-AF/wandlet/editor"
	"github.com/Paranoid-AF/wandlet/extract"
	"github.com/Paranoid-AF/wandlet/field"
)

const (
	modeField  = "field"
	modeEditor = "editor"
)

// errQuit ends the session.
var errQuit = errors.New("quit")

// memoryPanel is the chooser panel of the session.
type memoryPanel struct {
	chosen    []wandlet.SuggestionItem
	suggested []wandlet.SuggestionItem
	max       int
}

func (p *memoryPanel) AddItem(item wandlet.SuggestionItem) { p.suggested = append(p.suggested, item) }

func (p *memoryPanel) ClearSuggested() int {
	n := len(p.suggested)
	p.suggested = nil
	return n
}

func (p *memoryPanel) ChildCount() int { return len(p.chosen) + len(p.suggested) }

func (p *memoryPanel) MaxForms() int { return p.max }

func (p *memoryPanel) ChildIDs() []string {
	ids := make([]string, len(p.chosen))
	for i, item := range p.chosen {
		ids[i] = item.ID
	}
	return ids
}

// SessionOptions configures a Session.
type SessionOptions struct {
	VectorIndex   string
	CurrentPagePK string
	MaxForms      int
	// Language is the editor language sent with feedback requests.
	Language string
	// Watch wraps a request so it can be cancelled from the keyboard.
	Watch func(ctx context.Context, cancel func()) (stop func())
}

// Session hosts a text field and a rich-text document and drives the
// controllers against a daemon.
type Session struct {
	client *client.Client
	opts   SessionOptions
	out    io.Writer
	tty    io.Writer
	mode   string

	input    *field.Input
	buffer   *editor.Buffer
	fieldCtl *action.FieldController
	editCtl  *action.EditorController
	panel    *memoryPanel
	similar  *action.ChooserController
	suggest  *action.ChooserController
	feedback *action.FeedbackController
}

// NewSession wires the controllers to c. Entries are written to out and
// summaries to tty.
func NewSession(c *client.Client, opts SessionOptions, out, tty io.Writer) (*Session, error) {
	s := &Session{
		client: c,
		opts:   opts,
		out:    out,
		tty:    tty,
		mode:   modeField,
		input:  field.NewInput("body", ""),
		buffer: editor.NewBuffer(editor.NewDocument()),
		panel:  &memoryPanel{max: opts.MaxForms},
	}
	content := extract.Element(s.text)

	var err error
	if s.fieldCtl, err = action.NewFieldController(c, s.input, action.WithContentSource(content)); err != nil {
		return nil, err
	}
	if s.editCtl, err = action.NewEditorController(c, s.buffer, action.WithContentSource(content)); err != nil {
		return nil, err
	}
	s.editCtl.LoadingMessage().Observe(func(_, msg string) {
		if msg != "" {
			fmt.Fprintf(s.tty, "%s\n", msg)
		}
	})
	chooser := func(name wandlet.ActionName) (*action.ChooserController, error) {
		return action.NewChooserController(c, s.panel, action.ChooserOptions{
			Action:        name,
			VectorIndex:   opts.VectorIndex,
			CurrentPagePK: opts.CurrentPagePK,
			Source:        content,
		})
	}
	if s.similar, err = chooser(wandlet.ActionSimilarContent); err != nil {
		return nil, err
	}
	if s.suggest, err = chooser(wandlet.ActionSuggestedContent); err != nil {
		return nil, err
	}
	if s.feedback, err = action.NewFeedbackController(c, content, opts.Language); err != nil {
		return nil, err
	}
	return s, nil
}

// Mode returns "field" or "editor".
func (s *Session) Mode() string { return s.mode }

// text returns the value of the active target.
func (s *Session) text() string {
	if s.mode == modeEditor {
		return s.buffer.Text()
	}
	return s.input.Value()
}

// Text is the value of the active target.
func (s *Session) Text() string { return s.text() }

// Help lists the commands.
func (s *Session) Help() string {
	return `commands:
  <text>          set the field value (editor mode: add a line)
  :prompts        list prompts
  :p N            run prompt N
  :mode M         switch to "field" or "editor"
  :undo           undo the last editor change
  :image ID       describe an image into the field
  :similar        related pages (excluding the current page)
  :suggest        suggested pages
  :choose N       keep suggestion N
  :feedback       review the content
  :dismiss N      dismiss improvement N
  :clear          clear suggestions and feedback
  :show           print the current text
  :quit           exit
`
}

// Execute runs one line of input.
func (s *Session) Execute(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, ":") {
		s.setText(line)
		return nil
	}
	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "q", "quit":
		return errQuit
	case "help", "h":
		fmt.Fprint(s.tty, s.Help())
	case "prompts":
		for i, p := range s.prompts() {
			fmt.Fprintf(s.tty, "  %d. %s (%s) %s\n", i+1, p.Label, p.ApplyPolicy, p.Description)
		}
	case "p", "prompt":
		return s.runPrompt(ctx, arg)
	case "mode":
		if arg != modeField && arg != modeEditor {
			return fmt.Errorf("unknown mode %q", arg)
		}
		s.mode = arg
		fmt.Fprintf(s.tty, "mode: %s\n", s.mode)
	case "undo":
		st, ok := s.buffer.EditorState().Undo()
		if !ok {
			return errors.New("nothing to undo")
		}
		s.buffer.SetEditorState(st)
		fmt.Fprintf(s.tty, "%s\n", s.buffer.Text())
	case "image":
		return s.describeImage(ctx, arg)
	case "similar":
		return s.suggestPages(ctx, wandlet.ActionSimilarContent, s.similar)
	case "suggest":
		return s.suggestPages(ctx, wandlet.ActionSuggestedContent, s.suggest)
	case "choose":
		return s.choose(arg)
	case "feedback":
		return s.requestFeedback(ctx)
	case "dismiss":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("dismiss: %w", err)
		}
		s.feedback.Dismiss(n - 1)
		fmt.Fprintf(s.tty, "%s %d improvements left\n", s.feedback.StatusMarker(), len(s.feedback.Improvements()))
	case "clear":
		s.similar.Clear()
		s.suggest.Clear()
		s.feedback.Clear()
	case "show":
		fmt.Fprintf(s.tty, "%s\n", s.text())
	default:
		return fmt.Errorf("unknown command :%s", cmd)
	}
	return nil
}

func (s *Session) setText(line string) {
	if s.mode == modeField {
		s.input.SetValue(line)
		return
	}
	st := s.buffer.EditorState().MoveSelectionToEnd()
	if s.buffer.Text() != "" {
		line = "\n" + line
	}
	next, err := st.InsertText(line)
	if err != nil {
		fmt.Fprintf(s.tty, "error: %v\n", err)
		return
	}
	s.buffer.SetEditorState(next)
}

func (s *Session) prompts() []wandlet.Prompt {
	if s.mode == modeEditor {
		return s.editCtl.Prompts()
	}
	return s.fieldCtl.Prompts()
}

// watch runs fn with a context the user can cancel from the keyboard.
func (s *Session) watch(ctx context.Context, fn func(ctx context.Context)) {
	if s.opts.Watch == nil {
		fn(ctx)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := s.opts.Watch(ctx, cancel)
	fn(ctx)
	cancel()
	stop()
}

func (s *Session) runPrompt(ctx context.Context, arg string) error {
	prompts := s.prompts()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(prompts) {
		return fmt.Errorf("prompt number must be between 1 and %d", len(prompts))
	}
	p := prompts[n-1]

	entry := Entry{Request: RequestEntry{
		Timestamp: time.Now(),
		Action:    wandlet.ActionTextCompletion,
		Mode:      s.mode,
		Prompt:    p.Label,
		Policy:    string(p.ApplyPolicy),
		Input:     s.text(),
	}}
	var st action.Status
	s.watch(ctx, func(ctx context.Context) {
		if s.mode == modeEditor {
			st = s.editCtl.Invoke(ctx, p.ID)
		} else {
			st = s.fieldCtl.Invoke(ctx, p.ID)
		}
	})
	entry.outcome(st)
	fmt.Fprintf(s.tty, "%s\n", summary(st))
	return writeEntry(s.out, entry)
}

func (s *Session) describeImage(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("image id required")
	}
	ctl, err := action.NewImageController(s.client, s.input, id, "")
	if err != nil {
		return err
	}
	entry := Entry{Request: RequestEntry{Timestamp: time.Now(), Action: wandlet.ActionDescribeImage, Input: id}}
	var st action.Status
	s.watch(ctx, func(ctx context.Context) { st = ctl.Invoke(ctx) })
	entry.outcome(st)
	fmt.Fprintf(s.tty, "%s\n", summary(st))
	return writeEntry(s.out, entry)
}

func (s *Session) suggestPages(ctx context.Context, name wandlet.ActionName, ctl *action.ChooserController) error {
	if !ctl.CanSuggest() {
		fmt.Fprintf(s.tty, "(no more suggestions)\n")
		return nil
	}
	entry := Entry{Request: RequestEntry{Timestamp: time.Now(), Action: name, Input: s.text()}}
	var st action.Status
	s.watch(ctx, func(ctx context.Context) { st = ctl.Suggest(ctx) })

	if st.State == action.StateError {
		entry.outcome(st)
	} else {
		entry.Result = &ResultEntry{State: st.State.String()}
		for i, item := range s.panel.suggested {
			entry.Suggestions = append(entry.Suggestions, SuggestionEntry{ID: item.ID, Title: item.Title, EditURL: item.EditURL})
			fmt.Fprintf(s.tty, "  %d. %s %s\n", i+1, item.Title, item.EditURL)
		}
	}
	fmt.Fprintf(s.tty, "%s\n", summary(st))
	return writeEntry(s.out, entry)
}

func (s *Session) choose(arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(s.panel.suggested) {
		return fmt.Errorf("choose a suggestion between 1 and %d", len(s.panel.suggested))
	}
	item := s.panel.suggested[n-1]
	s.panel.suggested = append(s.panel.suggested[:n-1], s.panel.suggested[n:]...)
	s.panel.chosen = append(s.panel.chosen, item)
	fmt.Fprintf(s.tty, "chose %s\n", item.Title)
	return nil
}

func (s *Session) requestFeedback(ctx context.Context) error {
	entry := Entry{Request: RequestEntry{Timestamp: time.Now(), Action: wandlet.ActionContentFeedback, Input: s.text()}}
	var st action.Status
	s.watch(ctx, func(ctx context.Context) { st = s.feedback.Request(ctx) })

	result := s.feedback.Result()
	if st.State != action.StateSuggested || result == nil {
		entry.outcome(st)
		fmt.Fprintf(s.tty, "%s\n", summary(st))
		return writeEntry(s.out, entry)
	}

	fb := &FeedbackEntry{Score: result.QualityScore, Marker: s.feedback.StatusMarker(), Remarks: result.QualitativeFeedback}
	fmt.Fprintf(s.tty, "%s score %d\n", fb.Marker, fb.Score)
	for _, remark := range result.QualitativeFeedback {
		fmt.Fprintf(s.tty, "  - %s\n", remark)
	}
	for i, imp := range result.SpecificImprovements {
		fb.Improvements = append(fb.Improvements, ImprovementEntry{
			Original:    imp.OriginalText,
			Suggested:   imp.SuggestedText,
			Explanation: imp.Explanation,
		})
		fmt.Fprintf(s.tty, "  %d. %q -> %q\n", i+1, imp.OriginalText, imp.SuggestedText)
	}
	entry.Result = &ResultEntry{State: st.State.String()}
	entry.Feedback = fb
	return writeEntry(s.out, entry)
}
