// Package server provides HTTP and WebSocket handlers
package server

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/adverant/nexus/comic-typesetter/internal/annotation"
	apperrors "github.com/adverant/nexus/comic-typesetter/internal/errors"
	"github.com/adverant/nexus/comic-typesetter/internal/logging"
	"github.com/adverant/nexus/comic-typesetter/internal/workspace"
)

//go:embed web/index.html
var web embed.FS

// ReadyChecker reports whether OCR accepts work
type ReadyChecker interface {
	Ready() bool
}

// Options tune the HTTP surface
type Options struct {
	MaxUploadSize  int64
	ExportFilename string
	Fonts          FamilyLister
}

// FamilyLister reports the font families available for annotations.
type FamilyLister interface {
	Families() []string
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	sessions *workspace.Registry
	engine   ReadyChecker
	opts     Options
	log      *logging.Logger
}

// New creates a new server.
func New(sessions *workspace.Registry, engine ReadyChecker, opts Options, log *logging.Logger) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 32 << 20
	}
	if opts.ExportFilename == "" {
		opts.ExportFilename = "translated_comic.png"
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		sessions: sessions,
		engine:   engine,
		opts:     opts,
		log:      log.Named("http"),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Sessions
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	// Page
	mux.HandleFunc("POST /api/sessions/{id}/upload", s.handleUpload)
	mux.HandleFunc("GET /api/sessions/{id}/image", s.handleImage)
	mux.HandleFunc("PATCH /api/sessions/{id}/words/{index}", s.handleUpdateWord)
	mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExport)

	// WebSocket endpoint
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)

	return corsMiddleware(s.logRequests(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Microsecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var perr *apperrors.ProcessingError
	switch {
	case stderrors.As(err, &perr):
		writeJSON(w, perr.HTTPStatus(), perr.ToMap())
	case stderrors.Is(err, annotation.ErrIndexOutOfRange):
		writeJSON(w, http.StatusNotFound, map[string]string{"error_code": "INDEX_OUT_OF_RANGE", "message": err.Error()})
	case stderrors.Is(err, annotation.ErrUnknownField):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error_code": "UNKNOWN_FIELD", "message": err.Error()})
	default:
		s.log.Error("Request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error_code": "INTERNAL", "message": err.Error()})
	}
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error_code": "BAD_REQUEST", "message": fmt.Sprintf(format, args...)})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, bool) {
	id := r.PathValue("id")
	ws, ok := s.sessions.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error_code": "SESSION_NOT_FOUND", "message": "unknown session " + id})
		return nil, false
	}
	return ws, true
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := web.ReadFile("web/index.html")
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.engine.Ready()
	status := "ok"
	if !ready {
		status = "starting"
	}
	body := map[string]interface{}{
		"status":   status,
		"ocrReady": ready,
		"sessions": s.sessions.Len(),
	}
	if s.opts.Fonts != nil {
		body["fonts"] = s.opts.Fonts.Families()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ws := s.sessions.Create()
	writeJSON(w, http.StatusCreated, map[string]string{"id": ws.ID()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ws.State())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Delete(r.PathValue("id")) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error_code": "SESSION_NOT_FOUND", "message": "unknown session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize+MultipartOverhead)
	file, header, err := r.FormFile(UploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error_code": "TOO_LARGE", "message": err.Error()})
			return
		}
		badRequest(w, "missing %q form file: %v", UploadField, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.opts.MaxUploadSize+1))
	if err != nil {
		badRequest(w, "read upload: %v", err)
		return
	}
	if int64(len(data)) > s.opts.MaxUploadSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error_code": "TOO_LARGE", "message": "image exceeds upload limit"})
		return
	}

	uploadID, err := ws.Upload(header.Filename, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"uploadId": uploadID})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.session(w, r)
	if !ok {
		return
	}
	src := ws.Source()
	if src == nil {
		s.writeError(w, apperrors.NewNoSourceImageError())
		return
	}
	w.Header().Set("Content-Type", src.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(src.Data)))
	_, _ = w.Write(src.Data)
}

type updateWordRequest struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// rawValue accepts a JSON string or number and returns its text form
func rawValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("value must be a string or number")
	}
	return n.String(), nil
}

func (s *Server) handleUpdateWord(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.session(w, r)
	if !ok {
		return
	}

	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		badRequest(w, "invalid index %q", r.PathValue("index"))
		return
	}

	var req updateWordRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, MaxPatchBody)).Decode(&req); err != nil {
		badRequest(w, "invalid body: %v", err)
		return
	}
	value, err := rawValue(req.Value)
	if err != nil {
		badRequest(w, "invalid value: %v", err)
		return
	}

	a, err := ws.UpdateWord(index, annotation.Field(strings.TrimSpace(req.Field)), value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.session(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := ws.Export(&buf); err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.opts.ExportFilename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.session(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	events, stop := ws.Subscribe()
	defer stop()

	// Client messages are ignored; the returned context ends when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	log := s.log.With("session", ws.ID())
	log.Debug("websocket connected", "remote", r.RemoteAddr)

	st := ws.State()
	if err := s.send(ctx, conn, workspace.Event{Type: workspace.EventSnapshot, Phase: st.Phase, Words: len(st.Annotations)}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("websocket closed", "remote", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			if err := s.send(ctx, conn, ev); err != nil {
				log.Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, ev workspace.Event) error {
	ctx, cancel := context.WithTimeout(ctx, EventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
