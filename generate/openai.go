package generate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIConfig configures an OpenAIBackend.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// ImageModel is used for image descriptions; empty uses Model.
	ImageModel  string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	HTTPClient  *http.Client
}

// OpenAIBackend talks to any OpenAI-compatible chat completions API.
type OpenAIBackend struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIBackend creates a backend from cfg.
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...), cfg: cfg}
}

func (b *OpenAIBackend) params(model string, messages ...openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if b.cfg.MaxTokens > 0 {
		p.MaxTokens = openai.Int(int64(b.cfg.MaxTokens))
	}
	if b.cfg.Temperature > 0 {
		p.Temperature = openai.Float(b.cfg.Temperature)
	}
	return p
}

func (b *OpenAIBackend) Prompt(ctx context.Context, instruction, text string) (string, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if instruction != "" {
		msgs = append(msgs, openai.SystemMessage(instruction))
	}
	msgs = append(msgs, openai.UserMessage(text))
	return b.complete(ctx, b.params(b.cfg.Model, msgs...))
}

func (b *OpenAIBackend) DescribeImage(ctx context.Context, img Image, prompt string) (string, error) {
	if prompt == "" {
		return "", errors.New("describe image: empty prompt")
	}
	model := b.cfg.ImageModel
	if model == "" {
		model = b.cfg.Model
	}
	mime := img.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	return b.complete(ctx, b.params(model, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(prompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	})))
}

func (b *OpenAIBackend) Structured(ctx context.Context, instruction, text string, schema map[string]any) (string, error) {
	p := b.params(b.cfg.Model,
		openai.SystemMessage("You are a helpful assistant that responds with structured data according to the provided schema."),
		openai.SystemMessage(instruction),
		openai.SystemMessage("Content to review:\n\n"+text),
	)
	p.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   "content_feedback",
				Schema: schema,
				Strict: openai.Bool(false),
			},
		},
	}
	return b.complete(ctx, p)
}

func (b *OpenAIBackend) Close() {}

func (b *OpenAIBackend) complete(ctx context.Context, p openai.ChatCompletionNewParams) (string, error) {
	resp, err := b.client.Chat.Completions.New(ctx, p)
	if err != nil {
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return fmt.Errorf("API error (status %d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (status %d)", apiErr.StatusCode)
	}
	return err
}
