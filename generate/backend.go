package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	wandlet "github.com/Paranoid-AF/wandlet"
)

// Image is an image file handed to a backend for description.
type Image struct {
	Name string
	MIME string
	Data []byte
}

// Backend is a text generation model.
type Backend interface {
	// Prompt sends the instruction and the user's text and returns the reply.
	Prompt(ctx context.Context, instruction, text string) (string, error)
	// DescribeImage answers prompt about img.
	DescribeImage(ctx context.Context, img Image, prompt string) (string, error)
	// Structured asks for a JSON document matching schema and returns it raw.
	Structured(ctx context.Context, instruction, text string, schema map[string]any) (string, error)
	Close()
}

// NewBackend builds the backend selected in the settings.
func NewBackend(s *wandlet.Settings) (Backend, error) {
	switch s.Backend.Type {
	case "", "echo":
		return NewEchoBackend(time.Duration(s.Backend.MaxWordSleepSeconds * float64(time.Second))), nil
	case "openai":
		key := wandlet.ResolveBackendAPIKey(s)
		if key == "" {
			return nil, fmt.Errorf("backend %q: api key not configured; set WANDLET_BACKEND_API_KEY", s.Backend.Type)
		}
		return NewOpenAIBackend(OpenAIConfig{
			BaseURL:     wandlet.ResolveBackendBaseURL(s),
			APIKey:      key,
			Model:       wandlet.ResolveBackendModel(s),
			ImageModel:  s.Backend.ImageModel,
			MaxTokens:   s.Backend.MaxTokens,
			Temperature: s.Backend.Temperature,
			MaxRetries:  s.Backend.MaxRetries,
		}), nil
	}
	return nil, fmt.Errorf("unknown backend type %q", s.Backend.Type)
}

const echoPrefix = "This is an echo backend:"

// EchoBackend answers without a model by repeating its input. It is meant
// for development and tests.
type EchoBackend struct {
	maxWordSleep time.Duration
}

// NewEchoBackend returns an echo backend that sleeps up to maxWordSleep
// before each word. Zero disables sleeping.
func NewEchoBackend(maxWordSleep time.Duration) *EchoBackend {
	return &EchoBackend{maxWordSleep: maxWordSleep}
}

func (b *EchoBackend) Prompt(ctx context.Context, _, text string) (string, error) {
	return b.respond(ctx, strings.Fields(text))
}

func (b *EchoBackend) DescribeImage(ctx context.Context, img Image, _ string) (string, error) {
	return b.respond(ctx, []string{img.Name})
}

// Structured returns a content review of text: a middling score, fixed
// remarks and one improvement quoting the first sentence.
func (b *EchoBackend) Structured(ctx context.Context, _, text string, _ map[string]any) (string, error) {
	sentence := firstSentence(text)
	if _, err := b.respond(ctx, strings.Fields(sentence)); err != nil {
		return "", err
	}
	doc := wandlet.FeedbackResult{
		QualityScore: 2,
		QualitativeFeedback: []string{
			echoPrefix + " the content was received.",
			echoPrefix + " no model reviewed it.",
			echoPrefix + " configure an openai backend for real feedback.",
		},
		SpecificImprovements: []wandlet.Improvement{{
			OriginalText:  sentence,
			SuggestedText: sentence,
			Explanation:   echoPrefix + " unchanged.",
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (b *EchoBackend) Close() {}

func (b *EchoBackend) respond(ctx context.Context, words []string) (string, error) {
	out := make([]string, 0, len(words)+1)
	out = append(out, echoPrefix)
	for _, w := range words {
		if err := b.sleep(ctx); err != nil {
			return "", err
		}
		out = append(out, w)
	}
	return strings.Join(out, " "), nil
}

func (b *EchoBackend) sleep(ctx context.Context) error {
	if b.maxWordSleep <= 0 {
		return ctx.Err()
	}
	d := time.Duration(rand.Float64() * float64(b.maxWordSleep))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstSentence(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if i := strings.IndexAny(text, ".!?"); i >= 0 {
		return text[:i+1]
	}
	return text
}
