// Package generate turns editor requests into model output: text completion
// prompts, image descriptions, content feedback and related page lookups.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	wandlet "github.com/Paranoid-AF/wandlet"
	defaults "github.com/Paranoid-AF/wandlet/default"
	"github.com/Paranoid-AF/wandlet/index"
	"github.com/Paranoid-AF/wandlet/textsplit"
)

// User-facing failure messages.
const (
	MessageInvalidPrompt   = "Invalid prompt provided."
	MessageBackendFailure  = "Error processing request, Please try again later."
	MessageTooLong         = "Cannot run completion on text this long"
	MessageImageNotFound   = "Image not found."
	MessageNoContent       = "No content provided."
	MessageUnknownIndex    = "Unknown vector index."
	MessageInvalidFeedback = "The feedback response was not in the expected format."
)

// DefaultSuggestionLimit is used when a content request gives no limit.
const DefaultSuggestionLimit = 3

// imagePlaceholder stands for the attached image inside prompt templates.
const imagePlaceholder = "[file 1]"

// HandlerError is a failure whose message can be shown to the user.
type HandlerError struct {
	Message string
	Err     error
}

func (e *HandlerError) Error() string { return e.Message }

func (e *HandlerError) Unwrap() error { return e.Err }

// DefaultTokenLimit returns the context size of known models.
func DefaultTokenLimit(model string) (int, error) {
	switch model {
	case "gpt-3.5-turbo":
		return 4096, nil
	case "gpt-3.5-turbo-16k":
		return 16385, nil
	case "gpt-4":
		return 8192, nil
	case "gpt-4-32k":
		return 32768, nil
	}
	return 0, fmt.Errorf("token_limit is not configured for model %q", model)
}

// Engine serves the daemon endpoints for one set of settings.
type Engine struct {
	settings   *wandlet.Settings
	backend    Backend
	catalog    *Catalog
	images     *ImageStore
	embedder   index.Embedder
	indexes    *index.Registry
	tokenLimit int

	schema    *jsonschema.Schema
	schemaDoc map[string]any
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBackend replaces the backend selected in the settings.
func WithBackend(b Backend) Option { return func(e *Engine) { e.backend = b } }

// WithCatalog replaces the prompt catalog.
func WithCatalog(c *Catalog) Option { return func(e *Engine) { e.catalog = c } }

// WithIndexes replaces the page indexes loaded from the index directory.
func WithIndexes(r *index.Registry) Option { return func(e *Engine) { e.indexes = r } }

// WithImageStore replaces the image store of the images directory.
func WithImageStore(s *ImageStore) Option { return func(e *Engine) { e.images = s } }

// NewEngine creates an engine from settings.
func NewEngine(s *wandlet.Settings, opts ...Option) (*Engine, error) {
	e := &Engine{settings: s}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	e.tokenLimit = s.Backend.TokenLimit
	if e.tokenLimit <= 0 {
		if e.tokenLimit, err = DefaultTokenLimit(wandlet.ResolveBackendModel(s)); err != nil {
			return nil, err
		}
	}
	if e.schema, e.schemaDoc, err = compileFeedbackSchema(); err != nil {
		return nil, err
	}
	if e.catalog == nil {
		if e.catalog, err = LoadCatalog(wandlet.PromptsPath(s)); err != nil {
			return nil, err
		}
	}
	if e.backend == nil {
		if e.backend, err = NewBackend(s); err != nil {
			return nil, err
		}
	}
	if e.images == nil {
		e.images = NewImageStore(wandlet.ImagesDir(s))
	}
	if e.indexes == nil {
		if e.embedder, err = index.NewEmbedder(s); err != nil {
			e.Close()
			return nil, err
		}
		ttl := time.Duration(s.Embedding.CacheTTLMinutes) * time.Minute
		if e.indexes, err = index.LoadRegistry(wandlet.IndexDir(s), e.embedder, ttl); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func compileFeedbackSchema() (*jsonschema.Schema, map[string]any, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("feedback_schema.json", bytes.NewReader(defaults.FeedbackSchemaJSON)); err != nil {
		return nil, nil, fmt.Errorf("load feedback schema: %w", err)
	}
	schema, err := compiler.Compile("feedback_schema.json")
	if err != nil {
		return nil, nil, fmt.Errorf("compile feedback schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(defaults.FeedbackSchemaJSON, &doc); err != nil {
		return nil, nil, err
	}
	delete(doc, "$schema")
	return schema, doc, nil
}

// Close releases resources held by the engine.
func (e *Engine) Close() {
	if e.backend != nil {
		e.backend.Close()
	}
	if e.images != nil {
		e.images.Close()
	}
	if e.indexes != nil {
		e.indexes.Close()
	}
	if e.embedder != nil {
		e.embedder.Close()
	}
}

// Catalog returns the prompt catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Indexes returns the page indexes.
func (e *Engine) Indexes() *index.Registry { return e.indexes }

// TokenLimit returns the token limit applied to prompts.
func (e *Engine) TokenLimit() int { return e.tokenLimit }

// Process runs the text prompt promptID on text. Replace prompts run on
// every chunk of the text and substitute the chunks; append prompts return
// only the continuation.
func (e *Engine) Process(ctx context.Context, promptID, text string) (string, error) {
	p, ok := e.catalog.Get(promptID)
	if !ok || p.Feature != "" {
		return "", &HandlerError{Message: MessageInvalidPrompt}
	}

	if e.catalog.EmbedsText(p.ID) {
		rendered, err := e.catalog.Render(p.ID, PromptData{Text: text, ContentHTML: text})
		if err != nil {
			return "", err
		}
		if textsplit.NaiveLength(rendered) > e.tokenLimit {
			return "", &HandlerError{Message: MessageTooLong}
		}
		return e.prompt(ctx, "", rendered)
	}

	instruction, err := e.catalog.Render(p.ID, PromptData{})
	if err != nil {
		return "", err
	}

	if p.ApplyPolicy == wandlet.PolicyAppend {
		if textsplit.NaiveLength(text) > e.tokenLimit {
			return "", &HandlerError{Message: MessageTooLong}
		}
		return e.prompt(ctx, instruction, text)
	}

	for _, chunk := range textsplit.NewLength(e.tokenLimit).Split(text) {
		message, err := e.prompt(ctx, instruction, chunk)
		if err != nil {
			return "", err
		}
		text = strings.ReplaceAll(text, chunk, message)
	}
	return text, nil
}

func (e *Engine) prompt(ctx context.Context, instruction, text string) (string, error) {
	slog.Debug("prompt", "instruction", instruction, "text", text)
	out, err := e.backend.Prompt(ctx, instruction, text)
	if err != nil {
		return "", e.backendError(ctx, err)
	}
	return dropBlankLines(out), nil
}

func (e *Engine) backendError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Error("backend error", "error", err)
	return &HandlerError{Message: MessageBackendFailure, Err: err}
}

// dropBlankLines removes the empty lines models like to add.
func dropBlankLines(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// ImageRequest asks for a description of a stored image.
type ImageRequest struct {
	ImageID string
	// PromptID selects the prompt; empty picks the description prompt, or
	// the alt text prompt when surrounding content is given.
	PromptID      string
	ContextBefore string
	ContextAfter  string
}

// DescribeImage describes an image from the images directory.
func (e *Engine) DescribeImage(ctx context.Context, req ImageRequest) (string, error) {
	img, err := e.images.Get(req.ImageID)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			return "", &HandlerError{Message: MessageImageNotFound, Err: err}
		}
		return "", err
	}

	var p wandlet.Prompt
	var ok bool
	switch {
	case req.PromptID != "":
		p, ok = e.catalog.Get(req.PromptID)
	case req.ContextBefore != "" || req.ContextAfter != "":
		p, ok = e.catalog.Feature(FeatureContextualAltText)
	default:
		p, ok = e.catalog.Feature(FeatureImageDescription)
	}
	if !ok {
		return "", &HandlerError{Message: MessageInvalidPrompt}
	}

	maxLength := e.settings.Images.MaxLength
	prompt, err := e.catalog.Render(p.ID, PromptData{
		MaxLength:         maxLength,
		Image:             imagePlaceholder,
		FormContextBefore: req.ContextBefore,
		FormContextAfter:  req.ContextAfter,
	})
	if err != nil {
		return "", err
	}

	out, err := e.backend.DescribeImage(ctx, *img, prompt)
	if err != nil {
		return "", e.backendError(ctx, err)
	}
	return truncateRunes(strings.TrimSpace(out), maxLength), nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

const feedbackFormat = "Return JSON with the provided structure WITHOUT the markdown code block. " +
	"Start immediately with a { character and end with a } character."

// Feedback reviews page content and returns a result matching the feedback
// schema.
func (e *Engine) Feedback(ctx context.Context, args wandlet.FeedbackArguments) (*wandlet.FeedbackResult, error) {
	content := args.ContentHTML
	if e.settings.Feedback.ContentType == "text" || strings.TrimSpace(content) == "" {
		content = args.ContentText
	}
	if strings.TrimSpace(content) == "" {
		return nil, &HandlerError{Message: MessageNoContent}
	}

	catalog := e.catalog
	p, ok := catalog.Feature(FeatureContentFeedback)
	if !ok {
		catalog = DefaultCatalog()
		p, _ = catalog.Feature(FeatureContentFeedback)
	}
	editorLanguage := args.EditorLanguage
	if editorLanguage == "" {
		editorLanguage = e.settings.Feedback.EditorLanguage
	}
	contentLanguage := args.ContentLanguage
	if contentLanguage == "" {
		contentLanguage = "the language of the content"
	}
	instruction, err := catalog.Render(p.ID, PromptData{
		EditorLanguage:  editorLanguage,
		ContentLanguage: contentLanguage,
	})
	if err != nil {
		return nil, err
	}

	raw, err := e.backend.Structured(ctx, instruction+"\n\n"+feedbackFormat, content, e.schemaDoc)
	if err != nil {
		return nil, e.backendError(ctx, err)
	}
	result, err := e.parseFeedback(raw)
	if err != nil {
		slog.Error("invalid feedback response", "error", err, "response", raw)
		return nil, &HandlerError{Message: MessageInvalidFeedback, Err: err}
	}
	return result, nil
}

func (e *Engine) parseFeedback(raw string) (*wandlet.FeedbackResult, error) {
	data := []byte(extractJSONObject(raw))
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode feedback: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("feedback does not match schema: %w", err)
	}
	var result wandlet.FeedbackResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode feedback: %w", err)
	}
	return &result, nil
}

// extractJSONObject strips markdown fences and text around the outermost
// JSON object.
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func (e *Engine) pageIndex(name string) (*index.PageIndex, error) {
	idx, ok := e.indexes.Get(name)
	if !ok {
		return nil, &HandlerError{Message: MessageUnknownIndex}
	}
	return idx, nil
}

func (e *Engine) search(ctx context.Context, idx *index.PageIndex, query string, limit int, exclude []string) ([]wandlet.SuggestionItem, error) {
	pages, err := idx.Search(ctx, query, limit, exclude)
	if err != nil {
		return nil, e.backendError(ctx, err)
	}
	items := make([]wandlet.SuggestionItem, 0, len(pages))
	for _, p := range pages {
		items = append(items, wandlet.SuggestionItem{ID: p.ID, Title: p.Title, EditURL: p.EditURL})
	}
	return items, nil
}

// Similar returns pages similar to the content, never the current page.
func (e *Engine) Similar(ctx context.Context, args wandlet.SuggestionArguments) ([]wandlet.SuggestionItem, error) {
	idx, err := e.pageIndex(args.VectorIndex)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}
	exclude := args.ExcludePKs
	if args.CurrentPagePK != "" {
		exclude = append([]string{args.CurrentPagePK}, exclude...)
	}
	return e.search(ctx, idx, args.Content, limit, exclude)
}

// Suggested returns pages related to the first chunk of the content,
// skipping the excluded ids. Nothing is returned when the limit plus the
// exclusions exceeds the maximum limit.
func (e *Engine) Suggested(ctx context.Context, args wandlet.SuggestionArguments) ([]wandlet.SuggestionItem, error) {
	idx, err := e.pageIndex(args.VectorIndex)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = DefaultSuggestionLimit
	}
	maxLimit := e.settings.Index.MaxLimit
	if maxLimit <= 0 || maxLimit > index.MaxLimit {
		maxLimit = index.MaxLimit
	}
	if limit+len(args.ExcludePKs) > maxLimit {
		return []wandlet.SuggestionItem{}, nil
	}
	chunkSize := args.ChunkSize
	if chunkSize <= 0 {
		chunkSize = index.DefaultChunkSize
	}
	query := textsplit.First(args.Content, chunkSize)
	if query == "" {
		return []wandlet.SuggestionItem{}, nil
	}
	return e.search(ctx, idx, query, limit, args.ExcludePKs)
}
