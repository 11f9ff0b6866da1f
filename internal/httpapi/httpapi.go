// Package httpapi serves the device's management interface: the static
// single-page UI, GET /api/status (the status.Aggregator document), and
// GET/POST /api/config (the persisted config.Settings).
package httpapi

import (
	"embed"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kstaniek/go-ampio-server/internal/config"
	"github.com/kstaniek/go-ampio-server/internal/logging"
	"github.com/kstaniek/go-ampio-server/internal/status"
)

//go:embed static/index.html static/favicon.svg static/script.js static/alpine.js
var staticFS embed.FS

// RestartFunc is invoked after a successful POST /api/config save. In
// production this triggers a process or device restart so the new
// settings take effect; tests supply a no-op or a flag-setting stub.
type RestartFunc func()

// Server wires the status aggregator and config store to HTTP handlers.
type Server struct {
	aggregator *status.Aggregator
	store      *config.Store
	restart    RestartFunc
	logger     *slog.Logger
}

// Option configures a Server at construction time.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithRestartFunc(fn RestartFunc) Option {
	return func(s *Server) { s.restart = fn }
}

// New constructs a Server. aggregator and store must be non-nil.
func New(aggregator *status.Aggregator, store *config.Store, opts ...Option) *Server {
	s := &Server{
		aggregator: aggregator,
		store:      store,
		restart:    func() {},
		logger:     logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the full mux: static assets plus the /api/* endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	assets, err := fs.Sub(staticFS, "static")
	if err != nil {
		// Embedded at build time; a failure here means the embed directive
		// itself is broken, which is a programmer error, not a runtime one.
		panic(err)
	}
	mux.HandleFunc("/", serveAsset(assets, "index.html", "text/html; charset=utf-8"))
	mux.HandleFunc("/favicon.svg", serveAsset(assets, "favicon.svg", "image/svg+xml"))
	mux.HandleFunc("/script.js", serveAsset(assets, "script.js", "text/javascript; charset=utf-8"))
	mux.HandleFunc("/alpine.js", serveAsset(assets, "alpine.js", "text/javascript; charset=utf-8"))

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)

	return accessLog(mux)
}

// statusRecorder captures the status code a handler writes so the access
// logger can report it after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// accessLog wraps next with a logrus-based request log, the same
// line-oriented access logging every deployed config surface in this
// domain carries alongside its structured slog event log.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start),
		}).Info("httpapi_request")
	})
}

func serveAsset(assets fs.FS, name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, err := fs.ReadFile(assets, name)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(data)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.aggregator.Snapshot())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.serveConfigGet(w, r)
	case http.MethodPost:
		s.serveConfigPost(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveConfigGet(w http.ResponseWriter, r *http.Request) {
	current, err := s.store.Load()
	if err != nil {
		s.logger.Error("config_load_failed", "error", err)
		http.Error(w, "couldn't load configuration", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := writeJSON(w, current); err != nil {
		s.logger.Error("config_encode_failed", "error", err)
	}
}

func (s *Server) serveConfigPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "couldn't parse request body", http.StatusBadRequest)
		return
	}

	current, err := s.store.Load()
	if err != nil {
		s.logger.Error("config_load_failed", "error", err)
		http.Error(w, "couldn't load configuration", http.StatusInternalServerError)
		return
	}

	updated, err := config.ApplyForm(current, url.Values(r.PostForm))
	if err != nil {
		s.logger.Warn("config_post_invalid", "error", err)
		http.Error(w, "couldn't parse the given settings. Make sure they're formatted correctly!", http.StatusBadRequest)
		return
	}

	if err := s.store.Save(updated); err != nil {
		s.logger.Error("config_save_failed", "error", err)
		http.Error(w, "couldn't save settings", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Updating settings and restarting adapter...\n"))
	s.restart()
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
