package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskfabric/fabric/internal/logging"
)

// Server serves /metrics and /health on its own listener, independent of
// cmd/fabapi's control-surface router (§9: "a small net/http server the
// teacher's own pkg/metrics test package shape implies").
type Server struct {
	server *http.Server
	log    *logging.Logger
}

// NewServer builds a Server bound to port (no leading colon).
func NewServer(port string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{Addr: fmt.Sprintf(":%s", port), Handler: mux},
		log:    log.WithComponent("metrics"),
	}
}

// StartAsync starts the server in a background goroutine, logging (but not
// panicking on) a listen failure.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server stopped", logging.NewFields().Error(err))
		}
	}()
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
