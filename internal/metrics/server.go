package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server hosts the ambient /metrics and /healthz endpoints on their
// own listener, mirroring the teacher's pkg/metrics.Server split from
// the main API server.
type Server struct {
	server *http.Server
	log    *zap.Logger
}

// NewServer builds a metrics server bound to the given port (":" is
// prepended if missing a leading colon).
func NewServer(addr string, log *zap.Logger) *Server {
	if len(addr) == 0 || addr[0] != ':' {
		addr = ":" + addr
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		log:    log,
	}
}

// StartAsync launches the HTTP server in a background goroutine,
// logging (never panicking) on unexpected shutdown.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server stopped unexpectedly", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
