package action

import (
	"context"
	"slices"
	"sync"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/client"
	"github.com/Paranoid-AF/wandlet/extract"
)

// FeedbackController requests a review of the page content.
type FeedbackController struct {
	*Machine
	client         *client.Client
	source         extract.Source
	editorLanguage string

	mu        sync.Mutex
	result    *wandlet.FeedbackResult
	dismissed map[int]bool
}

// NewFeedbackController reviews the content yielded by source.
func NewFeedbackController(c *client.Client, source extract.Source, editorLanguage string) (*FeedbackController, error) {
	if c == nil || c.Configuration() == nil {
		return nil, wandlet.ErrNotConfigured
	}
	return &FeedbackController{
		Machine:        NewMachine(nil),
		client:         c,
		source:         source,
		editorLanguage: editorLanguage,
	}, nil
}

// Request extracts the page content and asks for feedback on it.
func (c *FeedbackController) Request(ctx context.Context) Status {
	h := c.Begin(ctx)
	var content *extract.Content
	var err error
	if c.source != nil {
		content, err = c.source.Extract(h.Context())
	}
	if err != nil && IsCancelled(err) {
		c.Fail(h, err)
		return c.Status()
	}
	if err != nil || content == nil {
		c.Fail(h, extract.ErrNoContent)
		return c.Status()
	}

	result, err := c.client.Feedback(h.Context(), wandlet.FeedbackArguments{
		ContentText:     content.Text,
		ContentHTML:     content.HTML,
		ContentLanguage: content.Lang,
		EditorLanguage:  c.editorLanguage,
	})
	c.Finish(h, err, func() Status {
		c.mu.Lock()
		c.result = result
		c.dismissed = make(map[int]bool)
		c.mu.Unlock()
		return Status{State: StateSuggested}
	})
	return c.Status()
}

// Result returns the last feedback, nil before the first success.
func (c *FeedbackController) Result() *wandlet.FeedbackResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// StatusMarker renders the quality score as a traffic light.
func (c *FeedbackController) StatusMarker() string {
	r := c.Result()
	if r == nil {
		return ""
	}
	switch r.QualityScore {
	case 1:
		return "🔴"
	case 2:
		return "🟠"
	case 3:
		return "🟢"
	}
	return ""
}

// Improvements returns the improvements that were not dismissed, keyed by
// their position in the result.
func (c *FeedbackController) Improvements() map[int]wandlet.Improvement {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]wandlet.Improvement)
	if c.result == nil {
		return out
	}
	for i, imp := range c.result.SpecificImprovements {
		if !c.dismissed[i] {
			out[i] = imp
		}
	}
	return out
}

// Dismiss hides improvement i.
func (c *FeedbackController) Dismiss(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dismissed == nil {
		c.dismissed = make(map[int]bool)
	}
	c.dismissed[i] = true
}

// Locate returns the index of the text that contains improvement i, or -1.
func (c *FeedbackController) Locate(texts []string, i int) int {
	c.mu.Lock()
	r := c.result
	c.mu.Unlock()
	if r == nil || i < 0 || i >= len(r.SpecificImprovements) {
		return -1
	}
	return extract.Locate(texts, r.SpecificImprovements[i].OriginalText)
}

// Clear drops the feedback and returns to Idle.
func (c *FeedbackController) Clear() {
	c.Reset()
	c.mu.Lock()
	c.result = nil
	c.dismissed = nil
	c.mu.Unlock()
}

// Feedback returns a copy of the qualitative feedback.
func (c *FeedbackController) Feedback() []string {
	r := c.Result()
	if r == nil {
		return nil
	}
	return slices.Clone(r.QualitativeFeedback)
}
