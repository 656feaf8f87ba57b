package action

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/url"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/apply"
	"github.com/Paranoid-AF/wandlet/client"
	"github.com/Paranoid-AF/wandlet/editor"
	"github.com/Paranoid-AF/wandlet/extract"
	"github.com/Paranoid-AF/wandlet/field"
)

// Trigger icons.
const (
	IconWand         = "wand"
	IconWandAnimated = "wand-animated"
)

// Trigger is the state of the button that starts a request.
type Trigger struct {
	Disabled bool
	Icon     string
}

// Option configures prompt controllers.
type Option func(*promptRunner)

// WithContentSource sets where page content comes from for prompts that
// need it.
func WithContentSource(src extract.Source) Option {
	return func(r *promptRunner) { r.source = src }
}

// WithPrompts limits the offered prompts to the given default prompt ids.
func WithPrompts(defaultIDs ...int) Option {
	return func(r *promptRunner) { r.filter = defaultIDs }
}

// promptRunner runs text completion prompts against one target.
type promptRunner struct {
	*Machine
	client  *client.Client
	source  extract.Source
	filter  []int
	trigger *field.Value[Trigger]
}

func newPromptRunner(c *client.Client, opts []Option) (*promptRunner, error) {
	if c == nil || c.Configuration() == nil {
		return nil, wandlet.ErrNotConfigured
	}
	r := &promptRunner{
		Machine: NewMachine(nil),
		client:  c,
		trigger: field.NewValue(Trigger{Icon: IconWand}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Observe(func(_, st Status) {
		if st.State == StateLoading {
			r.trigger.Set(Trigger{Disabled: true, Icon: IconWandAnimated})
		} else {
			r.trigger.Set(Trigger{Icon: IconWand})
		}
	})
	return r, nil
}

// Prompts returns the prompts offered by the controller.
func (r *promptRunner) Prompts() []wandlet.Prompt {
	return r.client.Configuration().FilterPrompts(r.filter...)
}

// Trigger returns the observable trigger state.
func (r *promptRunner) Trigger() *field.Value[Trigger] { return r.trigger }

func (r *promptRunner) run(ctx context.Context, promptID string, target apply.Target) Status {
	h := r.Begin(ctx)
	prompt, ok := r.client.Configuration().Prompt(promptID)
	if !ok {
		r.Fail(h, ErrUnknownPrompt)
		return r.Status()
	}

	text := target.Text()
	if prompt.RequiresContent() {
		content, err := r.extract(h)
		if err != nil {
			r.Fail(h, err)
			return r.Status()
		}
		text = content.Text
	}

	slog.Debug("running prompt", "prompt", prompt.ID, "policy", prompt.ApplyPolicy)
	result, err := r.client.Send(h.Context(), wandlet.ActionTextCompletion, client.Form(url.Values{
		"text":   {text},
		"prompt": {prompt.ID},
	}))
	r.Finish(h, err, func() Status {
		change, err := apply.Apply(target, result, prompt.ApplyPolicy)
		if err != nil {
			slog.Error("failed to apply suggestion", "error", err)
			return Status{State: StateError, Message: UnknownErrorMessage}
		}
		return Status{State: StateSuggested, Result: result, Change: change}
	})
	return r.Status()
}

func (r *promptRunner) extract(h *client.Handle) (*extract.Content, error) {
	if r.source == nil {
		return nil, extract.ErrNoContent
	}
	content, err := r.source.Extract(h.Context())
	if err != nil {
		if IsCancelled(err) {
			return nil, err
		}
		slog.Warn("content extraction failed", "error", err)
		return nil, extract.ErrNoContent
	}
	if content == nil {
		return nil, extract.ErrNoContent
	}
	return content, nil
}

// FieldController offers prompts on a plain text field.
type FieldController struct {
	*promptRunner
	input *field.Input
}

// NewFieldController wires prompts to input. The input is read-only while a
// request is loading.
func NewFieldController(c *client.Client, input *field.Input, opts ...Option) (*FieldController, error) {
	r, err := newPromptRunner(c, opts)
	if err != nil {
		return nil, err
	}
	r.Observe(func(_, st Status) { input.SetReadOnly(st.State == StateLoading) })
	return &FieldController{promptRunner: r, input: input}, nil
}

// Invoke runs the prompt and applies its result to the field. It blocks
// until the request settles and returns the controller status.
func (c *FieldController) Invoke(ctx context.Context, promptID string) Status {
	return c.run(ctx, promptID, apply.TextTarget{Input: c.input})
}

// LoadingMessages are shown while a rich-text request is in flight.
var LoadingMessages = []string{
	"Processing your query, please wait...",
	"Analyzing your input, just a moment...",
	"Generating a response, hold on...",
	"Thinking, thinking, thinking...",
	"Fetching data, almost there...",
	"Compiling information, please wait...",
	"Crunching numbers, please be patient...",
	"Analyzing data, loading...",
	"Preparing response, please wait...",
	"Interpreting your message, loading...",
}

// EditorController offers prompts on a rich-text editor.
type EditorController struct {
	*promptRunner
	host    editor.Host
	loading *field.Value[string]
}

// NewEditorController wires prompts to the editor behind host.
func NewEditorController(c *client.Client, host editor.Host, opts ...Option) (*EditorController, error) {
	r, err := newPromptRunner(c, opts)
	if err != nil {
		return nil, err
	}
	ec := &EditorController{promptRunner: r, host: host, loading: field.NewValue("")}
	r.Observe(func(_, st Status) {
		if st.State == StateLoading {
			ec.loading.Set(LoadingMessages[rand.IntN(len(LoadingMessages))])
		} else {
			ec.loading.Set("")
		}
	})
	return ec, nil
}

// LoadingMessage is the overlay text, empty when not loading.
func (c *EditorController) LoadingMessage() *field.Value[string] { return c.loading }

// Invoke runs the prompt on the plain text of the document and splices the
// result into the editor.
func (c *EditorController) Invoke(ctx context.Context, promptID string) Status {
	return c.run(ctx, promptID, apply.EditorTarget{Host: c.host})
}
