package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/generate"
)

// stubProcessor answers every operation with fixed values.
type stubProcessor struct {
	message  string
	items    []wandlet.SuggestionItem
	feedback *wandlet.FeedbackResult
	err      error
	block    chan struct{}
	closed   atomic.Bool

	mu       sync.Mutex
	prompt   string
	text     string
	image    generate.ImageRequest
	args     wandlet.SuggestionArguments
	feedArgs wandlet.FeedbackArguments
}

func (s *stubProcessor) wait(ctx context.Context) error {
	if s.block == nil {
		return nil
	}
	select {
	case <-s.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubProcessor) Process(ctx context.Context, promptID, text string) (string, error) {
	s.mu.Lock()
	s.prompt, s.text = promptID, text
	s.mu.Unlock()
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	return s.message, s.err
}

func (s *stubProcessor) DescribeImage(_ context.Context, req generate.ImageRequest) (string, error) {
	s.mu.Lock()
	s.image = req
	s.mu.Unlock()
	return s.message, s.err
}

func (s *stubProcessor) Feedback(_ context.Context, args wandlet.FeedbackArguments) (*wandlet.FeedbackResult, error) {
	s.mu.Lock()
	s.feedArgs = args
	s.mu.Unlock()
	return s.feedback, s.err
}

func (s *stubProcessor) Similar(_ context.Context, args wandlet.SuggestionArguments) ([]wandlet.SuggestionItem, error) {
	s.mu.Lock()
	s.args = args
	s.mu.Unlock()
	return s.items, s.err
}

func (s *stubProcessor) Suggested(ctx context.Context, args wandlet.SuggestionArguments) ([]wandlet.SuggestionItem, error) {
	return s.Similar(ctx, args)
}

func (s *stubProcessor) Catalog() *generate.Catalog { return generate.DefaultCatalog() }

func (s *stubProcessor) Close() { s.closed.Store(true) }

func newTestServer(t *testing.T, p Processor) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServerWithFactory(wandlet.DefaultSettings(), func(*wandlet.Settings) (Processor, error) {
		return p, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postForm(t *testing.T, ts *httptest.Server, path string, form url.Values) (int, wandlet.Response) {
	t.Helper()
	resp, err := http.PostForm(ts.URL+path, form)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body wandlet.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, body
}

func postJSON(t *testing.T, ts *httptest.Server, path string, v any) (int, []byte) {
	t.Helper()
	data, _ := json.Marshal(v)
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func TestTextCompletion(t *testing.T) {
	stub := &stubProcessor{message: "Fixed text."}
	_, ts := newTestServer(t, stub)

	status, body := postForm(t, ts, "/text-completion/", url.Values{"text": {"fixd text"}, "prompt": {"p1"}})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body.Message != "Fixed text." {
		t.Errorf("expected message %q, got %q", "Fixed text.", body.Message)
	}
	if stub.prompt != "p1" || stub.text != "fixd text" {
		t.Errorf("expected form fields passed through, got %q %q", stub.prompt, stub.text)
	}
}

func TestHandlerErrorIs400(t *testing.T) {
	stub := &stubProcessor{err: &generate.HandlerError{Message: generate.MessageInvalidPrompt}}
	_, ts := newTestServer(t, stub)

	status, body := postForm(t, ts, "/text-completion/", url.Values{"text": {"x"}, "prompt": {"nope"}})
	if status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", status)
	}
	if body.Error != "Invalid prompt provided." {
		t.Errorf("expected error %q, got %q", "Invalid prompt provided.", body.Error)
	}
}

func TestUnexpectedErrorIs500(t *testing.T) {
	stub := &stubProcessor{err: errors.New("disk on fire")}
	_, ts := newTestServer(t, stub)

	status, body := postForm(t, ts, "/text-completion/", url.Values{"text": {"x"}})
	if status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", status)
	}
	if body.Error != MessageUnexpected {
		t.Errorf("expected generic message, got %q", body.Error)
	}
}

func TestDescribeImageForm(t *testing.T) {
	stub := &stubProcessor{message: "A cat."}
	_, ts := newTestServer(t, stub)

	status, body := postForm(t, ts, "/describe-image/", url.Values{
		"image_id":       {"42"},
		"prompt":         {"p5"},
		"context_before": {"before"},
	})
	if status != http.StatusOK || body.Message != "A cat." {
		t.Fatalf("expected 200 A cat., got %d %+v", status, body)
	}
	want := generate.ImageRequest{ImageID: "42", PromptID: "p5", ContextBefore: "before"}
	if stub.image != want {
		t.Errorf("expected %+v, got %+v", want, stub.image)
	}
}

func TestFeedbackJSON(t *testing.T) {
	stub := &stubProcessor{feedback: &wandlet.FeedbackResult{
		QualityScore:        3,
		QualitativeFeedback: []string{"Good"},
	}}
	_, ts := newTestServer(t, stub)

	status, raw := postJSON(t, ts, "/content-feedback/", wandlet.ArgumentsRequest[wandlet.FeedbackArguments]{
		Arguments: wandlet.FeedbackArguments{ContentText: "text", ContentHTML: "<p>text</p>"},
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, raw)
	}
	var body wandlet.DataResponse[*wandlet.FeedbackResult]
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if body.Data.QualityScore != 3 {
		t.Errorf("expected score 3, got %d", body.Data.QualityScore)
	}
	if stub.feedArgs.ContentHTML != "<p>text</p>" {
		t.Errorf("expected html passed through, got %q", stub.feedArgs.ContentHTML)
	}
}

func TestSuggestionsEmptyIsArray(t *testing.T) {
	stub := &stubProcessor{}
	_, ts := newTestServer(t, stub)

	status, raw := postJSON(t, ts, "/suggested-content/", wandlet.ArgumentsRequest[wandlet.SuggestionArguments]{
		Arguments: wandlet.SuggestionArguments{VectorIndex: "PageIndex", ExcludePKs: []string{"1"}, Limit: 3},
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if !strings.Contains(string(raw), `"data":[]`) {
		t.Errorf("expected data:[] in raw JSON, got %s", raw)
	}
	if stub.args.VectorIndex != "PageIndex" || len(stub.args.ExcludePKs) != 1 {
		t.Errorf("expected arguments passed through, got %+v", stub.args)
	}
}

func TestSimilarContent(t *testing.T) {
	stub := &stubProcessor{items: []wandlet.SuggestionItem{{ID: "3", Title: "Oolong", EditURL: "/admin/pages/3/edit/"}}}
	_, ts := newTestServer(t, stub)

	_, raw := postJSON(t, ts, "/similar-content/", wandlet.ArgumentsRequest[wandlet.SuggestionArguments]{
		Arguments: wandlet.SuggestionArguments{VectorIndex: "PageIndex", CurrentPagePK: "1", Limit: 1},
	})
	var body wandlet.DataResponse[[]wandlet.SuggestionItem]
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 1 || body.Data[0].EditURL != "/admin/pages/3/edit/" {
		t.Errorf("expected one item with edit url, got %+v", body.Data)
	}
	if stub.args.CurrentPagePK != "1" {
		t.Errorf("expected current page pk 1, got %q", stub.args.CurrentPagePK)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	_, ts := newTestServer(t, &stubProcessor{})

	resp, err := http.Post(ts.URL+"/content-feedback/", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, &stubProcessor{})

	resp, err := http.Get(ts.URL + "/text-completion/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestConfigElement(t *testing.T) {
	_, ts := newTestServer(t, &stubProcessor{})

	resp, err := http.Get(ts.URL + "/config")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	cfg, err := wandlet.LoadConfiguration(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Prompts) != 4 {
		t.Errorf("expected 4 prompts, got %d", len(cfg.Prompts))
	}
	if got, _ := cfg.Endpoint(wandlet.ActionSuggestedContent); got != "/suggested-content/" {
		t.Errorf("expected suggested content endpoint, got %q", got)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, &stubProcessor{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body healthResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body.Status != "ok" {
		t.Errorf("expected ok, got %d %+v", resp.StatusCode, body)
	}
}

func TestCSRFRequiredWithCookies(t *testing.T) {
	_, ts := newTestServer(t, &stubProcessor{message: "ok"})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/text-completion/", strings.NewReader("text=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: "abc"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 without token, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/text-completion/", strings.NewReader("text=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRFToken", "token")
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: "abc"})
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", resp.StatusCode)
	}
}

func TestSessionSupersedesRequest(t *testing.T) {
	stub := &stubProcessor{message: "late", block: make(chan struct{})}
	_, ts := newTestServer(t, stub)

	send := func() *http.Response {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/text-completion/", strings.NewReader("text=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(wandlet.SessionHeader, "field-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Error(err)
			return nil
		}
		return resp
	}

	first := make(chan *http.Response, 1)
	go func() { first <- send() }()

	// Wait for the first request to reach the processor.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stub.mu.Lock()
		started := stub.text != ""
		stub.mu.Unlock()
		if started || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := make(chan *http.Response, 1)
	go func() { second <- send() }()

	resp := <-first
	if resp == nil {
		t.FailNow()
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected superseded request to get 409, got %d", resp.StatusCode)
	}

	close(stub.block)
	resp = <-second
	if resp == nil {
		t.FailNow()
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected second request to succeed, got %d", resp.StatusCode)
	}
}

func TestReloadEngine(t *testing.T) {
	first := &stubProcessor{message: "first"}
	second := &stubProcessor{message: "second"}
	engines := []Processor{first, second}
	var n int
	srv, err := NewServerWithFactory(wandlet.DefaultSettings(), func(*wandlet.Settings) (Processor, error) {
		if n >= len(engines) {
			return nil, errors.New("no more engines")
		}
		p := engines[n]
		n++
		return p, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	srv.reloadEngine(wandlet.DefaultSettings())
	eventually(t, "old engine closed", first.closed.Load)
	_, body := postForm(t, ts, "/text-completion/", url.Values{"text": {"x"}})
	if body.Message != "second" {
		t.Errorf("expected new engine to answer, got %q", body.Message)
	}

	// A failing reload keeps the current engine.
	srv.reloadEngine(wandlet.DefaultSettings())
	if second.closed.Load() {
		t.Error("expected current engine to stay open")
	}
	_, body = postForm(t, ts, "/text-completion/", url.Values{"text": {"x"}})
	if body.Message != "second" {
		t.Errorf("expected engine kept, got %q", body.Message)
	}
}

// eventually fails the test when cond is still false after two seconds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReloadWaitsForInflightRequests(t *testing.T) {
	first := &stubProcessor{message: "first", block: make(chan struct{})}
	second := &stubProcessor{message: "second"}
	engines := []Processor{first, second}
	var n int
	srv, err := NewServerWithFactory(wandlet.DefaultSettings(), func(*wandlet.Settings) (Processor, error) {
		p := engines[n]
		n++
		return p, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	done := make(chan wandlet.Response, 1)
	go func() {
		var body wandlet.Response
		resp, err := http.PostForm(ts.URL+"/text-completion/", url.Values{"text": {"slow"}})
		if err == nil {
			json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
		}
		done <- body
	}()
	eventually(t, "request to reach the engine", func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.text == "slow"
	})

	srv.reloadEngine(wandlet.DefaultSettings())
	_, body := postForm(t, ts, "/text-completion/", url.Values{"text": {"x"}})
	if body.Message != "second" {
		t.Errorf("expected new engine to answer, got %q", body.Message)
	}
	time.Sleep(20 * time.Millisecond)
	if first.closed.Load() {
		t.Fatal("expected old engine to stay open while a request uses it")
	}

	close(first.block)
	if body := <-done; body.Message != "first" {
		t.Errorf("expected in-flight request answered by old engine, got %q", body.Message)
	}
	eventually(t, "old engine closed", first.closed.Load)
	if second.closed.Load() {
		t.Error("expected current engine to stay open")
	}
}

func TestShutdownClosesEngine(t *testing.T) {
	stub := &stubProcessor{}
	srv, ts := newTestServer(t, stub)

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !stub.closed.Load() {
		t.Error("expected engine closed")
	}
	status, _ := postForm(t, ts, "/text-completion/", url.Values{"text": {"x"}})
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %d", status)
	}
}
