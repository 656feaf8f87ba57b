package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/generate"
)

// MessageUnexpected is reported for failures that are not a HandlerError.
const MessageUnexpected = "An unexpected error occurred."

// Processor serves the endpoint operations.
type Processor interface {
	Process(ctx context.Context, promptID, text string) (string, error)
	DescribeImage(ctx context.Context, req generate.ImageRequest) (string, error)
	Feedback(ctx context.Context, args wandlet.FeedbackArguments) (*wandlet.FeedbackResult, error)
	Similar(ctx context.Context, args wandlet.SuggestionArguments) ([]wandlet.SuggestionItem, error)
	Suggested(ctx context.Context, args wandlet.SuggestionArguments) ([]wandlet.SuggestionItem, error)
	Catalog() *generate.Catalog
	Close()
}

// EngineFactory builds a Processor for settings.
type EngineFactory func(s *wandlet.Settings) (Processor, error)

func newEngine(s *wandlet.Settings) (Processor, error) {
	return generate.NewEngine(s)
}

// Endpoints are the paths the daemon serves, keyed by action.
var Endpoints = map[wandlet.ActionName]string{
	wandlet.ActionTextCompletion:   "/text-completion/",
	wandlet.ActionDescribeImage:    "/describe-image/",
	wandlet.ActionContentFeedback:  "/content-feedback/",
	wandlet.ActionSimilarContent:   "/similar-content/",
	wandlet.ActionSuggestedContent: "/suggested-content/",
}

// engineRef counts the requests using an engine so a replaced engine is
// closed only after they finish.
type engineRef struct {
	Processor
	inflight sync.WaitGroup
}

// sessionEntry tracks a cancellable in-flight request for a session.
type sessionEntry struct {
	requestID uint64
	cancel    context.CancelFunc
}

// Server answers the HTTP endpoints the client core posts to.
type Server struct {
	httpServer *http.Server
	factory    EngineFactory

	mu         sync.RWMutex
	engine     *engineRef
	csrfHeader string

	sessionMu sync.Mutex
	sessions  map[string]sessionEntry
	nextID    uint64
}

// NewServer creates a server with the engine built from settings.
func NewServer(s *wandlet.Settings) (*Server, error) {
	return NewServerWithFactory(s, newEngine)
}

// NewServerWithFactory creates a server whose engines are built by factory.
func NewServerWithFactory(s *wandlet.Settings, factory EngineFactory) (*Server, error) {
	engine, err := factory(s)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		factory:    factory,
		engine:     &engineRef{Processor: engine},
		csrfHeader: s.Server.CSRFHeader,
		sessions:   make(map[string]sessionEntry),
	}
	srv.httpServer = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return srv, nil
}

// Handler returns the routes of the daemon.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST "+Endpoints[wandlet.ActionTextCompletion], s.handleTextCompletion)
	mux.HandleFunc("POST "+Endpoints[wandlet.ActionDescribeImage], s.handleDescribeImage)
	mux.HandleFunc("POST "+Endpoints[wandlet.ActionContentFeedback], s.handleFeedback)
	mux.HandleFunc("POST "+Endpoints[wandlet.ActionSimilarContent], s.handleSuggestions(wandlet.ActionSimilarContent))
	mux.HandleFunc("POST "+Endpoints[wandlet.ActionSuggestedContent], s.handleSuggestions(wandlet.ActionSuggestedContent))
	return mux
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// the engine.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.mu.Lock()
	old := s.engine
	s.engine = nil
	s.mu.Unlock()
	if old != nil {
		old.inflight.Wait()
		old.Close()
	}
	return err
}

// acquire returns the current engine and marks it in use until release is
// called. The engine is nil while shutting down.
func (s *Server) acquire() (engine Processor, release func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.engine == nil {
		return nil, func() {}
	}
	ref := s.engine
	ref.inflight.Add(1)
	return ref.Processor, ref.inflight.Done
}

// reloadEngine replaces the engine after a settings change. The old engine
// is kept when the new settings cannot be used; a replaced one is closed once
// the requests still using it are done.
func (s *Server) reloadEngine(settings *wandlet.Settings) {
	engine, err := s.factory(settings)
	if err != nil {
		slog.Error("engine reload failed, keeping previous engine", "error", err)
		return
	}

	s.mu.Lock()
	old := s.engine
	s.engine = &engineRef{Processor: engine}
	s.csrfHeader = settings.Server.CSRFHeader
	s.mu.Unlock()

	if old != nil {
		go func() {
			old.inflight.Wait()
			old.Close()
			slog.Debug("previous engine closed")
		}()
	}
	slog.Info("engine reloaded")
}

// track cancels the in-flight request of the same session and action and
// returns the context for the new one.
func (s *Server) track(r *http.Request, action wandlet.ActionName) (context.Context, func()) {
	ctx, cancel := context.WithCancel(r.Context())
	sid := r.Header.Get(wandlet.SessionHeader)
	if sid == "" {
		return ctx, cancel
	}
	key := sid + "\x00" + string(action)

	s.sessionMu.Lock()
	if prev, ok := s.sessions[key]; ok {
		prev.cancel()
	}
	s.nextID++
	reqID := s.nextID
	s.sessions[key] = sessionEntry{requestID: reqID, cancel: cancel}
	s.sessionMu.Unlock()

	return ctx, func() {
		cancel()
		s.sessionMu.Lock()
		if cur, ok := s.sessions[key]; ok && cur.requestID == reqID {
			delete(s.sessions, key)
		}
		s.sessionMu.Unlock()
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	engine, release := s.acquire()
	defer release()
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down.")
		return
	}
	cfg := engine.Catalog().Configuration(Endpoints)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := wandlet.RenderConfigElement(w, cfg); err != nil {
		slog.Error("failed to render configuration", "error", err)
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Prompts int    `json:"prompts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engine, release := s.acquire()
	defer release()
	if engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Prompts: len(engine.Catalog().TextPrompts())})
}

func (s *Server) handleTextCompletion(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form data.")
		return
	}
	promptID := r.PostForm.Get("prompt")
	text := r.PostForm.Get("text")

	ctx, done := s.track(r, wandlet.ActionTextCompletion)
	defer done()
	s.respond(w, r, func(engine Processor) (any, error) {
		message, err := engine.Process(ctx, promptID, text)
		return wandlet.Response{Message: message}, err
	})
}

func (s *Server) handleDescribeImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form data.")
		return
	}
	req := generate.ImageRequest{
		ImageID:       r.PostForm.Get("image_id"),
		PromptID:      r.PostForm.Get("prompt"),
		ContextBefore: r.PostForm.Get("context_before"),
		ContextAfter:  r.PostForm.Get("context_after"),
	}

	ctx, done := s.track(r, wandlet.ActionDescribeImage)
	defer done()
	s.respond(w, r, func(engine Processor) (any, error) {
		message, err := engine.DescribeImage(ctx, req)
		return wandlet.Response{Message: message}, err
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body wandlet.ArgumentsRequest[wandlet.FeedbackArguments]
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}

	ctx, done := s.track(r, wandlet.ActionContentFeedback)
	defer done()
	s.respond(w, r, func(engine Processor) (any, error) {
		result, err := engine.Feedback(ctx, body.Arguments)
		return wandlet.DataResponse[*wandlet.FeedbackResult]{Data: result}, err
	})
}

func (s *Server) handleSuggestions(action wandlet.ActionName) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body wandlet.ArgumentsRequest[wandlet.SuggestionArguments]
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON body.")
			return
		}

		ctx, done := s.track(r, action)
		defer done()
		s.respond(w, r, func(engine Processor) (any, error) {
			var items []wandlet.SuggestionItem
			var err error
			if action == wandlet.ActionSimilarContent {
				items, err = engine.Similar(ctx, body.Arguments)
			} else {
				items, err = engine.Suggested(ctx, body.Arguments)
			}
			if items == nil {
				items = []wandlet.SuggestionItem{}
			}
			return wandlet.DataResponse[[]wandlet.SuggestionItem]{Data: items}, err
		})
	}
}

// respond runs fn against the current engine and writes its result. A
// HandlerError is a 400 carrying its message; any other failure is logged
// and hidden behind a generic 500.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, fn func(Processor) (any, error)) {
	if !s.checkCSRF(r) {
		writeError(w, http.StatusForbidden, "CSRF token missing.")
		return
	}
	engine, release := s.acquire()
	defer release()
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "Server is shutting down.")
		return
	}

	start := time.Now()
	resp, err := fn(engine)
	slog.Debug("handled", "path", r.URL.Path, "duration", time.Since(start), "error", err)

	var handlerErr *generate.HandlerError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &handlerErr):
		writeError(w, http.StatusBadRequest, handlerErr.Message)
	case errors.Is(err, context.Canceled):
		// The client went away or a newer request of its session superseded
		// this one; nobody reads the answer.
		slog.Debug("request cancelled", "path", r.URL.Path)
		writeError(w, http.StatusConflict, "Request cancelled.")
	default:
		slog.Error("unexpected error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, MessageUnexpected)
	}
}

// checkCSRF requires the configured header when the request carries
// cookies, the only case where a browser could forge it.
func (s *Server) checkCSRF(r *http.Request) bool {
	s.mu.RLock()
	header := s.csrfHeader
	s.mu.RUnlock()
	if header == "" || len(r.Cookies()) == 0 {
		return true
	}
	return strings.TrimSpace(r.Header.Get(header)) != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		status = http.StatusInternalServerError
		data = []byte(fmt.Sprintf(`{"error":%q}`, MessageUnexpected))
	}
	slog.Debug("response", "status", status, "data", string(data))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, wandlet.Response{Error: message})
}
