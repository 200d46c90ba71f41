// Package rpcserver exposes an internal/coordinator.Coordinator over
// JSON-RPC 2.0 HTTP (spec §4.3/§6.1), routed with gorilla/mux the way the
// teacher's cmd/noisefs-webui wires its API subrouter.
package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ipfs-force-community/gpuproxy/internal/applog"
	"github.com/ipfs-force-community/gpuproxy/internal/coordinator"
)

// handlerFunc is one Proof.* method implementation: decode params from raw
// JSON, run the coordinator call, return a JSON-marshalable result.
type handlerFunc func(ctx context.Context, c *coordinator.Coordinator, params json.RawMessage) (any, error)

// Server is the JSON-RPC 2.0 HTTP server. A single POST route
// ("/rpc/v0") dispatches every Proof.* method, following the teacher's
// single-route-per-concern idiom rather than one HTTP route per RPC method.
type Server struct {
	coordinator  *coordinator.Coordinator
	httpServer   *http.Server
	router       *mux.Router
	log          *applog.Logger
	maxBodyBytes int64
}

// Config configures a Server.
type Config struct {
	Addr         string
	MaxBodyBytes int64
	Logger       *applog.Logger
}

// New builds a Server wired to the given Coordinator.
func New(c *coordinator.Coordinator, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		l, _ := applog.InitFromConfig("info", "text", "stderr", "")
		log = l
	}
	log = log.WithComponent("rpcserver")

	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 30 // 1 GiB default, spec §6.4/§9
	}

	s := &Server{coordinator: c, log: log, maxBodyBytes: maxBody}

	s.router = mux.NewRouter()
	s.router.HandleFunc("/rpc/v0", s.handleRPC).Methods("POST")

	s.httpServer = &http.Server{
		Addr:           cfg.Addr,
		Handler:        s.router,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// ServeHTTP lets a Server stand in directly as an http.Handler, which tests
// use to drive the JSON-RPC route through an httptest.Server without also
// starting a real listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server. It blocks until Shutdown is
// called, mirroring the http.Server contract the teacher's webui and
// bootstrap binaries rely on.
func (s *Server) ListenAndServe() error {
	s.log.Info("rpc server listening", map[string]interface{}{"addr": s.httpServer.Addr})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting for in-flight handlers to
// finish (spec §5: "coordinator stops accepting requests and waits for
// in-flight handlers").
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
