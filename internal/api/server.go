// Package api serves the story pipeline over HTTP.
//
// Routes:
//
//	GET  /v1/stories
//	GET  /v1/stories/{id}
//	POST /v1/stories/{id}/turns                      {"action": "..."}
//	POST /v1/stories/{id}/retry
//	GET  /v1/stories/{id}/chapters
//	POST /v1/stories/{id}/chapters/{n}/resummarize
//	GET  /v1/stories/{id}/context?input=...
//	GET  /v1/stories/{id}/memory-config
//	PUT  /v1/stories/{id}/memory-config
//	POST /v1/stories/{id}/seed                       YAML seed file body
//
// Turn and retry accept ?stream=true, which answers with newline-delimited
// JSON: one {"chunk": "..."} line per narration fragment followed by a final
// {"turn": {...}} or {"error": "..."} line.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/surfacecoaster/Aventura-custom/internal/entity"
	"github.com/surfacecoaster/Aventura-custom/internal/health"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
	"github.com/surfacecoaster/Aventura-custom/internal/turn"
)

// maxBodyBytes caps request bodies; seed files are the largest.
const maxBodyBytes = 4 << 20

// Config holds the dependencies of a [Server].
type Config struct {
	Engine *turn.Engine

	// Health, when set, serves /healthz and /readyz.
	Health *health.Handler

	// MetricsHandler, when set, serves /metrics (usually promhttp.Handler()).
	MetricsHandler http.Handler

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server routes HTTP requests to story sessions.
type Server struct {
	engine  *turn.Engine
	log     *slog.Logger
	metrics *observe.Metrics
	mux     *http.ServeMux
}

// New creates a [Server]. cfg.Engine is required.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		engine:  cfg.Engine,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /v1/stories", s.listStories)
	s.mux.HandleFunc("GET /v1/stories/{id}", s.getStory)
	s.mux.HandleFunc("POST /v1/stories/{id}/turns", s.submitTurn)
	s.mux.HandleFunc("POST /v1/stories/{id}/retry", s.retryTurn)
	s.mux.HandleFunc("GET /v1/stories/{id}/chapters", s.listChapters)
	s.mux.HandleFunc("POST /v1/stories/{id}/chapters/{n}/resummarize", s.resummarize)
	s.mux.HandleFunc("GET /v1/stories/{id}/context", s.previewContext)
	s.mux.HandleFunc("GET /v1/stories/{id}/memory-config", s.getMemoryConfig)
	s.mux.HandleFunc("PUT /v1/stories/{id}/memory-config", s.putMemoryConfig)
	s.mux.HandleFunc("POST /v1/stories/{id}/seed", s.importSeed)

	if cfg.Health != nil {
		cfg.Health.Register(s.mux)
	}
	if cfg.MetricsHandler != nil {
		s.mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	return s, nil
}

// Handler returns the routed handler wrapped in the tracing and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.mux)
}

// ─────────────────────────────────────────────────────────────────────────────
// Stories
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*turn.Session, bool) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "story id is required")
		return nil, false
	}
	sess, err := s.engine.Session(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) listStories(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.Stories(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stories": ids})
}

func (s *Server) getStory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	st := sess.State()
	writeJSON(w, http.StatusOK, storyResponse{
		ID:           st.StoryID,
		Genre:        st.Genre,
		Entries:      orEmpty(st.Entries),
		World:        st.World,
		Chapters:     orEmpty(st.Chapters),
		MemoryConfig: st.Config,
		Degraded:     sess.Degraded(),
	})
}

func (s *Server) importSeed(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	seed, err := entity.LoadSeed(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := sess.ImportSeed(r.Context(), seed)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"imported": n})
}

// ─────────────────────────────────────────────────────────────────────────────
// Turns
// ─────────────────────────────────────────────────────────────────────────────

type turnRequest struct {
	Action string `json:"action"`
}

func (s *Server) submitTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req turnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.runTurn(w, r, func(sink func(string)) (turn.TurnResult, error) {
		return sess.SubmitStream(r.Context(), req.Action, sink)
	})
}

func (s *Server) retryTurn(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.runTurn(w, r, func(sink func(string)) (turn.TurnResult, error) {
		return sess.Retry(r.Context(), sink)
	})
}

// runTurn answers a turn either as one JSON document or, with ?stream=true,
// as NDJSON.
func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, run func(sink func(string)) (turn.TurnResult, error)) {
	if stream, _ := strconv.ParseBool(r.URL.Query().Get("stream")); !stream {
		res, err := run(nil)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newTurnResponse(res))
		return
	}

	nd := newNDJSON(w)
	res, err := run(func(text string) {
		nd.send(streamLine{Chunk: text})
	})
	if err != nil {
		if !nd.started {
			s.fail(w, r, err)
			return
		}
		s.log.Warn("api: streamed turn failed", "story_id", r.PathValue("id"), "err", err)
		nd.send(streamLine{Error: err.Error()})
		return
	}
	tr := newTurnResponse(res)
	nd.send(streamLine{Turn: &tr})
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) listChapters(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chapters": orEmpty(sess.Chapters())})
}

func (s *Server) resummarize(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid chapter number %q", r.PathValue("n")))
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ch, err := sess.Resummarize(r.Context(), n)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) previewContext(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	res := sess.Preview(r.Context(), r.URL.Query().Get("input"))
	writeJSON(w, http.StatusOK, newContextResponse(res))
}

func (s *Server) getMemoryConfig(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.MemoryConfig())
}

func (s *Server) putMemoryConfig(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	cfg := sess.MemoryConfig()
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sess.SetMemoryConfig(r.Context(), cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ─────────────────────────────────────────────────────────────────────────────
// Encoding
// ─────────────────────────────────────────────────────────────────────────────

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, turn.ErrEmptyAction):
		return http.StatusBadRequest
	case errors.Is(err, turn.ErrChapterNotFound):
		return http.StatusNotFound
	case errors.Is(err, turn.ErrBusy), errors.Is(err, turn.ErrNoSnapshot):
		return http.StatusConflict
	case errors.Is(err, turn.ErrMemoryDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, turn.ErrNarration):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		ctx := observe.WithStoryID(r.Context(), r.PathValue("id"))
		observe.Logger(ctx).Error("api: request failed",
			"route", r.Pattern,
			"err", err,
		)
	}
	resp := errorResponse{Error: err.Error()}
	if errors.Is(err, turn.ErrNarration) {
		resp.Retryable = true
	}
	writeJSON(w, status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}

// ndjson writes one JSON value per line and flushes after each.
type ndjson struct {
	w       http.ResponseWriter
	enc     *json.Encoder
	flusher http.Flusher
	started bool
}

func newNDJSON(w http.ResponseWriter) *ndjson {
	f, _ := w.(http.Flusher)
	return &ndjson{w: w, enc: json.NewEncoder(w), flusher: f}
}

func (n *ndjson) send(v streamLine) {
	if !n.started {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.w.WriteHeader(http.StatusOK)
		n.started = true
	}
	_ = n.enc.Encode(v)
	if n.flusher != nil {
		n.flusher.Flush()
	}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
