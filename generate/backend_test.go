package generate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	wandlet "github.com/Paranoid-AF/wandlet"
)

func TestNewBackend(t *testing.T) {
	s := wandlet.DefaultSettings()
	b, err := NewBackend(s)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*EchoBackend); !ok {
		t.Errorf("expected echo backend by default, got %T", b)
	}

	s.Backend.Type = "openai"
	s.Backend.APIKey = ""
	t.Setenv("WANDLET_BACKEND_API_KEY", "")
	if _, err := NewBackend(s); err == nil {
		t.Error("expected error without api key")
	}

	s.Backend.Type = "bard"
	if _, err := NewBackend(s); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestEchoBackend(t *testing.T) {
	b := NewEchoBackend(0)
	got, err := b.Prompt(context.Background(), "ignored", "The  cat\nsat")
	if err != nil {
		t.Fatal(err)
	}
	if got != "This is an echo backend: The cat sat" {
		t.Errorf("unexpected echo: %q", got)
	}

	got, err = b.DescribeImage(context.Background(), Image{Name: "cat.png"}, "describe")
	if err != nil {
		t.Fatal(err)
	}
	if got != "This is an echo backend: cat.png" {
		t.Errorf("unexpected image echo: %q", got)
	}
}

func TestEchoBackendCancel(t *testing.T) {
	b := NewEchoBackend(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := b.Prompt(ctx, "", "one two three"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type chatRequest struct {
	Model    string            `json:"model"`
	Messages []json.RawMessage `json:"messages"`
	Format   *struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

func chatServer(t *testing.T, reply string, got *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("expected bearer auth, got %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   got.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOpenAI(srv *httptest.Server) *OpenAIBackend {
	return NewOpenAIBackend(OpenAIConfig{
		BaseURL:    srv.URL + "/v1",
		APIKey:     "sk-test",
		Model:      "gpt-4",
		ImageModel: "gpt-4o",
	})
}

func TestOpenAIPrompt(t *testing.T) {
	var req chatRequest
	srv := chatServer(t, "Fixed text.", &req)
	b := testOpenAI(srv)

	got, err := b.Prompt(context.Background(), "Fix this:", "fixd text")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Fixed text." {
		t.Errorf("expected %q, got %q", "Fixed text.", got)
	}
	if req.Model != "gpt-4" {
		t.Errorf("expected model gpt-4, got %q", req.Model)
	}
	if len(req.Messages) != 2 || !strings.Contains(string(req.Messages[0]), `"system"`) {
		t.Errorf("expected system and user messages, got %s", req.Messages)
	}

	if _, err := b.Prompt(context.Background(), "", "whole prompt"); err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 1 || !strings.Contains(string(req.Messages[0]), "whole prompt") {
		t.Errorf("expected a single user message, got %s", req.Messages)
	}
}

func TestOpenAIDescribeImage(t *testing.T) {
	var req chatRequest
	srv := chatServer(t, "A cat.", &req)
	b := testOpenAI(srv)

	if _, err := b.DescribeImage(context.Background(), Image{Name: "c.png", MIME: "image/png", Data: []byte("png")}, "Describe [file 1]"); err != nil {
		t.Fatal(err)
	}
	if req.Model != "gpt-4o" {
		t.Errorf("expected image model, got %q", req.Model)
	}
	if !strings.Contains(string(req.Messages[0]), "data:image/png;base64,cG5n") {
		t.Errorf("expected data url, got %s", req.Messages[0])
	}
}

func TestOpenAIStructured(t *testing.T) {
	var req chatRequest
	srv := chatServer(t, validFeedback, &req)
	b := testOpenAI(srv)

	got, err := b.Structured(context.Background(), "Review", "content", map[string]any{"type": "object"})
	if err != nil {
		t.Fatal(err)
	}
	if got != validFeedback {
		t.Errorf("expected raw document, got %q", got)
	}
	if req.Format == nil || req.Format.Type != "json_schema" {
		t.Errorf("expected json_schema response format, got %+v", req.Format)
	}
}

func TestOpenAIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	}))
	defer srv.Close()
	b := testOpenAI(srv)

	_, err := b.Prompt(context.Background(), "", "x")
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Errorf("expected status 429 error, got %v", err)
	}
}
