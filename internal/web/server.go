package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/perfx/internal/db"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		if status == "" {
			status = "running"
		}
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"passClass": func(passed bool) string {
		if passed {
			return "result-pass"
		}
		return "result-fail"
	},
	"relTime": relTime,
	"millis":  fmtMillis,
}

// Server is the read-only run history UI and JSON API.
type Server struct {
	db        *db.DB
	outputDir string
	addr      string
	logger    *slog.Logger

	// pollInterval paces the trace stream.
	pollInterval time.Duration

	dashboardTmpl *template.Template
	runTmpl       *template.Template
}

// NewServer creates a Server with parsed templates. outputDir is where the
// trace file of the current run is written.
func NewServer(database *db.DB, outputDir, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:            database,
		outputDir:     outputDir,
		addr:          addr,
		logger:        logger,
		pollInterval:  2 * time.Second,
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
		runTmpl:       mustParseTmpl("base.html", "run.html"),
	}
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler registers every route on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.handleDashboard(w, r)
		case strings.HasPrefix(r.URL.Path, "/runs/"):
			s.routeRun(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleAPIRun)
	mux.HandleFunc("GET /api/stats", s.handleAPIStats)
	mux.HandleFunc("GET /trace/stream", s.handleTraceStream)
	return mux
}

// Start listens on the configured address until ctx is cancelled, then shuts
// the server down.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("serving run history", "url", "http://"+ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		s.handleRunDetail(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}
