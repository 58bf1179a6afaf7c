// Package server is the development preview server. It compiles pages
// through the artifact cache on request and serves everything else under the
// document root as static files.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sambeau/sage/config"
	"github.com/sambeau/sage/pkg/sage/cache"
	"github.com/sambeau/sage/pkg/sage/compile"
	"github.com/sambeau/sage/pkg/sage/compilelog"
)

// Options holds the collaborators of a Server.
type Options struct {
	Cache    *cache.Cache
	Compiler *compile.Compiler
	// History is the compile log served under /__sage/history. Optional.
	History *compilelog.Log
	// Logger receives server diagnostics. Nil discards.
	Logger *slog.Logger
	// Stdout receives request logs and startup messages.
	Stdout io.Writer
}

// Server represents a Sage preview server instance.
type Server struct {
	config   *config.Config
	cache    *cache.Cache
	compiler *compile.Compiler
	history  *compilelog.Log
	logger   *slog.Logger
	stdout   io.Writer
	mux      *http.ServeMux
	server   *http.Server
	watcher  *Watcher
}

// New creates a new preview server with the given configuration.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if opts.Cache == nil || opts.Compiler == nil {
		return nil, fmt.Errorf("server needs a cache and a compiler")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = io.Discard
	}

	s := &Server{
		config:   cfg,
		cache:    opts.Cache,
		compiler: opts.Compiler,
		history:  opts.History,
		logger:   logger,
		stdout:   stdout,
		mux:      http.NewServeMux(),
	}
	s.setupRoutes()
	return s, nil
}

// setupRoutes configures the HTTP mux.
func (s *Server) setupRoutes() {
	s.mux.Handle("/__livereload", newLiveReloadHandler(s))
	s.mux.HandleFunc("/__sage/stats", s.handleStats)
	s.mux.HandleFunc("/__sage/history", s.handleHistory)
	s.mux.Handle("/", newPageHandler(s))
}

// Handler returns the full handler chain: pages, live reload injection,
// compression and request logging.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = injectLiveReload(handler)
	handler = newCompressionHandler(handler, s.config.Compression)

	// Wrap with request logging middleware (unless level is error-only)
	if s.config.Logging.Level != "error" {
		handler = newRequestLogger(handler, s.stdout, s.config.Logging.Format)
	}
	return handler
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.config.Server.Addr()

	watcher, err := NewWatcher(s.config.Root, s.cache, s.logger)
	if err != nil {
		s.logger.Error("failed to create watcher", "error", err)
	} else {
		s.watcher = watcher
		if err := s.watcher.Start(ctx); err != nil {
			s.logger.Error("failed to start watcher", "error", err)
		}
		defer s.watcher.Close()
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(s.stdout, "Serving %s on http://%s\n", s.config.Root, addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintf(s.stdout, "\nShutting down gracefully...\n")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// changeSeq returns the live reload sequence number.
func (s *Server) changeSeq() uint64 {
	if s.watcher == nil {
		return 0
	}
	return s.watcher.GetChangeSeq()
}
