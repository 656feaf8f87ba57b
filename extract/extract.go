// Package extract obtains the page content that context-dependent prompts
// work on, either from a rendered preview or from an element on the page.
package extract

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNoContent is reported when no page content could be obtained.
var ErrNoContent = errors.New("Unable to get page content for analysis.")

// Content is the extracted page content.
type Content struct {
	Text string `json:"text"`
	HTML string `json:"html"`
	Lang string `json:"lang"`
}

// Source yields page content. A nil Content with a nil error means no
// source is available.
type Source interface {
	Extract(ctx context.Context) (*Content, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Content, error)

func (f SourceFunc) Extract(ctx context.Context) (*Content, error) { return f(ctx) }

// Preview is a rendered page preview that must be refreshed before it can
// be read.
type Preview interface {
	// Ready reports whether the preview shows the current content.
	Ready() bool
	// Loaded returns a channel closed once by the next completed refresh.
	Loaded() <-chan struct{}
	// Refresh starts reloading the preview and returns without waiting.
	Refresh(ctx context.Context) error
	Content(ctx context.Context) (*Content, error)
}

// FromPreview reads p, refreshing it first when it is stale. The wait for
// the loaded signal has no timeout; only ctx ends it early. A refresh shared
// with another caller that gave up is not reported as this caller's
// cancellation.
func FromPreview(p Preview) Source {
	return SourceFunc(func(ctx context.Context) (*Content, error) {
		if p == nil {
			return nil, nil
		}
		if !p.Ready() {
			// Subscribe before refreshing so a fast load is not missed.
			loaded := p.Loaded()
			if err := p.Refresh(ctx); err != nil {
				return nil, err
			}
			select {
			case <-loaded:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		c, err := p.Content(ctx)
		if err != nil && ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, ErrNoContent
		}
		return c, err
	})
}

// Element reads a direct input or editable region synchronously.
func Element(read func() string) Source {
	return SourceFunc(func(context.Context) (*Content, error) {
		if read == nil {
			return nil, nil
		}
		return &Content{Text: NormalizeWhitespace(read())}, nil
	})
}

// NormalizeWhitespace collapses runs of whitespace into single spaces and
// trims the ends.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Locate returns the index of the first text whose normalised form contains
// the normalised target, or -1.
func Locate(texts []string, target string) int {
	needle := NormalizeWhitespace(target)
	if needle == "" {
		return -1
	}
	for i, t := range texts {
		if strings.Contains(NormalizeWhitespace(t), needle) {
			return i
		}
	}
	return -1
}

// loader implements the refresh/loaded handshake shared by previews. A
// refresh may be awaited by several actions, so the fetch keeps the values
// of the context that started it but not its cancellation.
type loader struct {
	fetch func(ctx context.Context) (*Content, error)

	mu      sync.Mutex
	content *Content
	err     error
	fresh   bool
	loaded  chan struct{}
	pending bool
}

func (l *loader) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fresh && l.err == nil
}

// Invalidate marks the preview stale, e.g. after the page was edited.
func (l *loader) Invalidate() {
	l.mu.Lock()
	l.fresh = false
	l.mu.Unlock()
}

func (l *loader) Loaded() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded == nil {
		l.loaded = make(chan struct{})
	}
	return l.loaded
}

func (l *loader) Refresh(ctx context.Context) error {
	l.mu.Lock()
	if l.loaded == nil {
		l.loaded = make(chan struct{})
	}
	if l.pending {
		l.mu.Unlock()
		return nil
	}
	l.pending = true
	done := l.loaded
	l.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		content, err := l.fetch(ctx)
		l.mu.Lock()
		l.content, l.err = content, err
		l.fresh = err == nil
		l.pending = false
		l.loaded = nil
		l.mu.Unlock()
		close(done)
	}()
	return nil
}

func (l *loader) Content(context.Context) (*Content, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.content == nil {
		return nil, ErrNoContent
	}
	c := *l.content
	return &c, nil
}
