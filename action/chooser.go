package action

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/client"
	"github.com/Paranoid-AF/wandlet/extract"
)

// Panel adapts a multi-item chooser (an inline formset of page choosers).
type Panel interface {
	// AddItem appends a form holding item and marks it as suggested.
	AddItem(item wandlet.SuggestionItem)
	// ClearSuggested removes forms marked as suggested and returns how many.
	ClearSuggested() int
	ChildCount() int
	// MaxForms is the formset limit, 0 for none.
	MaxForms() int
	// ChildIDs returns the ids chosen in the existing forms.
	ChildIDs() []string
}

// ChooserOptions configures a ChooserController.
type ChooserOptions struct {
	// Action is SIMILAR_CONTENT or SUGGESTED_CONTENT.
	Action        wandlet.ActionName
	VectorIndex   string
	CurrentPagePK string
	Limit         int
	ChunkSize     int
	// Delay is waited before each request; cancellation ends it early.
	Delay  time.Duration
	Source extract.Source
}

// DefaultSuggestionLimit is used when ChooserOptions.Limit is zero.
const DefaultSuggestionLimit = 3

// MultipleChooserDelay is the pause the multiple chooser waits before asking.
const MultipleChooserDelay = 2 * time.Second

// ChooserController fills a chooser panel with related pages.
type ChooserController struct {
	*Machine
	client *client.Client
	panel  Panel
	opts   ChooserOptions

	mu   sync.Mutex
	seen []string
}

// NewChooserController creates a controller for panel.
func NewChooserController(c *client.Client, panel Panel, opts ChooserOptions) (*ChooserController, error) {
	if c == nil || c.Configuration() == nil {
		return nil, wandlet.ErrNotConfigured
	}
	if opts.Action == "" {
		opts.Action = wandlet.ActionSuggestedContent
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultSuggestionLimit
	}
	return &ChooserController{Machine: NewMachine(nil), client: c, panel: panel, opts: opts}, nil
}

// CanSuggest reports whether the suggest button is enabled.
func (c *ChooserController) CanSuggest() bool {
	if maxForms := c.panel.MaxForms(); maxForms > 0 && c.panel.ChildCount() >= maxForms {
		return false
	}
	return c.Status().State != StateNoMore
}

// Seen returns the ids suggested since the last Clear.
func (c *ChooserController) Seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.seen)
}

func (c *ChooserController) limit() int {
	limit := c.opts.Limit
	if maxForms := c.panel.MaxForms(); maxForms > 0 {
		limit = min(maxForms-c.panel.ChildCount(), limit)
	}
	return limit
}

// Suggest replaces previous suggestions with new ones.
func (c *ChooserController) Suggest(ctx context.Context) Status {
	h := c.Begin(ctx)
	if err := Sleep(h, c.opts.Delay); err != nil {
		c.Fail(h, err)
		return c.Status()
	}

	var content *extract.Content
	var err error
	if c.opts.Source != nil {
		content, err = c.opts.Source.Extract(h.Context())
	}
	if err != nil && IsCancelled(err) {
		c.Fail(h, err)
		return c.Status()
	}
	if err != nil || content == nil {
		if err != nil {
			slog.Warn("content extraction failed", "error", err)
		}
		c.Fail(h, extract.ErrNoContent)
		return c.Status()
	}

	limit := c.limit()
	if limit <= 0 {
		c.Finish(h, nil, func() Status { return Status{State: StateNoMore} })
		return c.Status()
	}

	c.mu.Lock()
	exclude := slices.Clone(c.seen)
	c.mu.Unlock()
	if c.opts.CurrentPagePK != "" {
		exclude = append([]string{c.opts.CurrentPagePK}, exclude...)
	}
	for _, id := range c.panel.ChildIDs() {
		if id != "" {
			exclude = append(exclude, id)
		}
	}

	items, err := c.client.Suggest(h.Context(), c.opts.Action, wandlet.SuggestionArguments{
		VectorIndex:   c.opts.VectorIndex,
		CurrentPagePK: c.opts.CurrentPagePK,
		ExcludePKs:    exclude,
		Content:       content.Text,
		Limit:         limit,
		ChunkSize:     c.opts.ChunkSize,
	})
	c.Finish(h, err, func() Status {
		c.panel.ClearSuggested()
		if len(items) == 0 {
			return Status{State: StateNoMore}
		}
		c.mu.Lock()
		for _, item := range items {
			c.seen = append(c.seen, item.ID)
		}
		c.mu.Unlock()
		for _, item := range items {
			c.panel.AddItem(item)
		}
		return Status{State: StateSuggested}
	})
	return c.Status()
}

// Clear forgets seen suggestions, removes suggested forms and returns to Idle.
func (c *ChooserController) Clear() {
	c.Reset()
	c.mu.Lock()
	c.seen = nil
	c.mu.Unlock()
	c.panel.ClearSuggested()
}
