// Package client sends suggestion requests to the configured endpoints.
// Every request runs under a cancellation handle; a cancelled request
// reports ErrCancelled and is never retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	wandlet "github.com/Paranoid-AF/wandlet"
)

// ErrCancelled is returned when the request's handle was cancelled.
var ErrCancelled = errors.New("request cancelled")

// RequestError is a failure reported by the server or the transport.
type RequestError struct {
	// Status is the HTTP status, 0 when no response was received.
	Status  int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// Payload is a request body.
type Payload interface {
	encode() (io.Reader, string, error)
}

// Form is an application/x-www-form-urlencoded body.
type Form url.Values

func (f Form) encode() (io.Reader, string, error) {
	return strings.NewReader(url.Values(f).Encode()), "application/x-www-form-urlencoded", nil
}

// JSON is a JSON body holding V.
type JSON struct{ V any }

func (j JSON) encode() (io.Reader, string, error) {
	data, err := json.Marshal(j.V)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a header to every request, e.g. a CSRF token.
func WithHeader(name, value string) Option {
	return func(c *Client) { c.headers.Set(name, value) }
}

// WithBaseURL resolves relative endpoints against base.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.base = strings.TrimRight(base, "/") }
}

// Client posts requests to the endpoints of a page configuration.
type Client struct {
	cfg     *wandlet.Configuration
	http    *http.Client
	headers http.Header
	base    string
}

// New creates a client for cfg.
func New(cfg *wandlet.Configuration, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, wandlet.ErrNotConfigured
	}
	c := &Client{cfg: cfg, http: http.DefaultClient, headers: http.Header{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Configuration returns the configuration the client was built with.
func (c *Client) Configuration() *wandlet.Configuration { return c.cfg }

// Send posts payload to the endpoint of action and returns the message of a
// successful response.
func (c *Client) Send(ctx context.Context, action wandlet.ActionName, payload Payload) (string, error) {
	var resp wandlet.Response
	if err := c.do(ctx, action, payload, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Suggest asks a content endpoint for related pages.
func (c *Client) Suggest(ctx context.Context, action wandlet.ActionName, args wandlet.SuggestionArguments) ([]wandlet.SuggestionItem, error) {
	var resp wandlet.DataResponse[[]wandlet.SuggestionItem]
	body := JSON{V: wandlet.ArgumentsRequest[wandlet.SuggestionArguments]{Arguments: args}}
	if err := c.do(ctx, action, body, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Feedback asks for a review of the page content.
func (c *Client) Feedback(ctx context.Context, args wandlet.FeedbackArguments) (*wandlet.FeedbackResult, error) {
	var resp wandlet.DataResponse[*wandlet.FeedbackResult]
	body := JSON{V: wandlet.ArgumentsRequest[wandlet.FeedbackArguments]{Arguments: args}}
	if err := c.do(ctx, wandlet.ActionContentFeedback, body, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, &RequestError{Status: http.StatusOK, Message: "Empty feedback response."}
	}
	return resp.Data, nil
}

func (c *Client) do(ctx context.Context, action wandlet.ActionName, payload Payload, out any) error {
	endpoint, ok := c.cfg.Endpoint(action)
	if !ok {
		return &RequestError{Message: fmt.Sprintf("No endpoint configured for %s.", action)}
	}
	if c.base != "" && strings.HasPrefix(endpoint, "/") {
		endpoint = c.base + endpoint
	}

	body, contentType, err := payload.encode()
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	for name, values := range c.headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	slog.Debug("request", "action", action, "url", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(ctx, err)
	}
	slog.Debug("response", "action", action, "status", resp.StatusCode, "body", string(data))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure wandlet.Response
		if json.Unmarshal(data, &failure) == nil && failure.Error != "" {
			return &RequestError{Status: resp.StatusCode, Message: failure.Error}
		}
		return &RequestError{Status: resp.StatusCode, Message: "Error fetching AI response: " + resp.Status}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &RequestError{Status: resp.StatusCode, Message: "Invalid response from server."}
	}
	return nil
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &RequestError{Message: "The request timed out."}
	}
	return &RequestError{Message: err.Error()}
}
