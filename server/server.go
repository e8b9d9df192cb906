// Package server exposes the compiler over Connect and the Language Server
// Protocol.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/fluid/cache"
)

var log = commonlog.GetLogger("fluid.server")

// FluidServer serves CompileService over HTTP.
type FluidServer struct {
	mux  *http.ServeMux
	http *http.Server
}

// ServerOption configures a FluidServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	cache        *cache.Cache
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// WithCache serves compiles through the given dump cache.
func WithCache(c *cache.Cache) ServerOption {
	return func(cfg *serverConfig) { cfg.cache = c }
}

// WithTimeouts sets the HTTP read and write timeouts.
func WithTimeouts(read, write time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.readTimeout = read
		cfg.writeTimeout = write
	}
}

// New creates a FluidServer.
func New(opts ...ServerOption) *FluidServer {
	cfg := &serverConfig{
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &FluidServer{mux: http.NewServeMux()}
	path, handler := NewCompileService(cfg.cache).Handler()
	s.mux.Handle(path, handler)
	s.http = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  cfg.readTimeout,
		WriteTimeout: cfg.writeTimeout,
	}
	return s
}

// Handler returns the server's HTTP handler.
func (s *FluidServer) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *FluidServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called.
func (s *FluidServer) Serve(ln net.Listener) error {
	log.Noticef("fluid compile service listening on %s", ln.Addr())
	log.Infof("  Connect (CBOR): http://%s%s", ln.Addr(), CompileProcedure)
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts down the server, waiting for in-flight requests.
func (s *FluidServer) Stop(ctx context.Context) error {
	log.Info("fluid compile service stopping")
	return s.http.Shutdown(ctx)
}
