// Command fabapi serves the fabric's HTTP control surface (§6): task
// submission, inspection and reprioritization, queue pause/resume, agent
// discovery, lock inspection, and a websocket feed relaying task/agent/consensus
// pub/sub traffic to connected operators. It has no consensus voting route.
// It is a control surface, not a
// product feature: it never interprets task payloads itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/taskfabric/fabric/internal/config"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/coordinator"
	"github.com/taskfabric/fabric/pkg/queue"
	"github.com/taskfabric/fabric/pkg/registry"
	"github.com/taskfabric/fabric/pkg/store"
)

var configPath = flag.String("config", "/etc/taskfabric/fabric.yaml", "path to the fabric configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fabapi: load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fabapi: build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	st, err := store.New(store.Options{
		Addr:         cfg.Store.Addr,
		Password:     cfg.Store.Password,
		DB:           cfg.Store.DB,
		PoolSize:     cfg.Store.PoolSize,
		DialTimeout:  cfg.Store.DialTimeout,
		ReadTimeout:  cfg.Store.ReadTimeout,
		WriteTimeout: cfg.Store.WriteTimeout,
		OpTimeout:    cfg.Store.OpTimeout,
	})
	if err != nil {
		log.Error("connect to store", logging.NewFields().Error(err))
		os.Exit(1)
	}
	defer st.Close()

	a := &api{
		log:   log.WithComponent("fabapi"),
		store: st,
		reg: registry.New(st, log, registry.Config{
			LivenessTTL:       cfg.Registry.LivenessTTL,
			HeartbeatPeriod:   cfg.Registry.HeartbeatPeriod,
			ClaimLeaseDefault: cfg.Registry.ClaimLeaseDefault,
			ReaperInterval:    cfg.Registry.ReaperInterval,
		}),
		eng: queue.New(st, log, queue.Config{
			BackoffBase: cfg.Queue.RetryPolicy.Base,
			BackoffCap:  cfg.Queue.RetryPolicy.Cap,
		}),
		coord: coordinator.New(st, log),
		hub:   newHub(log),
	}
	a.hub.attachStore(st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.hub.run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/tasks", a.submitTask)
		v1.Get("/tasks/{class}/{id}", a.getTask)
		v1.Post("/tasks/{class}/{id}/reprioritize", a.reprioritizeTask)
		v1.Post("/queues/{class}/pause", a.pauseQueue)
		v1.Post("/queues/{class}/resume", a.resumeQueue)
		v1.Get("/agents", a.listAgents)
		v1.Get("/locks", a.inspectLock)
		v1.Get("/events", a.hub.serveWS)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := &http.Server{Addr: cfg.API.Addr, Handler: r}
	go func() {
		log.Info("fabapi listening", logging.NewFields().With("addr", cfg.API.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("fabapi server stopped", logging.NewFields().Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("fabapi shutting down", logging.NewFields())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
