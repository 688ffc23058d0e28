// Command fabworker runs one Worker Runtime process (§4.G): it loads the
// fabric configuration, dials Redis, wires the Registry, Coordinator, Queue
// Engine, Messaging Fabric, and Consensus Gate together, and claims and
// executes tasks for a single class until told to shut down.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskfabric/fabric/internal/config"
	"github.com/taskfabric/fabric/internal/logging"
	"github.com/taskfabric/fabric/pkg/consensus"
	"github.com/taskfabric/fabric/pkg/coordinator"
	"github.com/taskfabric/fabric/pkg/fabric"
	"github.com/taskfabric/fabric/pkg/metrics"
	"github.com/taskfabric/fabric/pkg/queue"
	"github.com/taskfabric/fabric/pkg/registry"
	"github.com/taskfabric/fabric/pkg/snapshotstore"
	"github.com/taskfabric/fabric/pkg/store"
	"github.com/taskfabric/fabric/pkg/task"
	"github.com/taskfabric/fabric/pkg/worker"
)

var (
	configPath     = flag.String("config", "/etc/taskfabric/fabric.yaml", "path to the fabric configuration file")
	class          = flag.String("class", "", "task class this worker claims (required)")
	capabilities   = flag.String("capabilities", "", "comma-separated capability tags advertised to the registry")
	agentID        = flag.String("agent-id", "", "agent id (default: derived from class and pid)")
	maxConcurrency = flag.Int("max-concurrency", 4, "maximum tasks this agent runs at once")
)

func main() {
	flag.Parse()
	if *class == "" {
		fmt.Fprintln(os.Stderr, "fabworker: -class is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fabworker: load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fabworker: build logger: %v\n", err)
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

	id := *agentID
	if id == "" {
		id = fmt.Sprintf("%s-%d", *class, os.Getpid())
	}

	reg := registry.New(st, log, registry.Config{
		LivenessTTL:       cfg.Registry.LivenessTTL,
		HeartbeatPeriod:   cfg.Registry.HeartbeatPeriod,
		ClaimLeaseDefault: cfg.Registry.ClaimLeaseDefault,
		ReaperInterval:    cfg.Registry.ReaperInterval,
	})
	eng := queue.New(st, log, queue.Config{
		BackoffBase: cfg.Queue.RetryPolicy.Base,
		BackoffCap:  cfg.Queue.RetryPolicy.Cap,
	})
	coord := coordinator.New(st, log)
	fab := fabric.New(st, id, log, fabric.Config{})

	gateCtx, cancelPolicy := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPolicy()
	policyEval, err := policyFromBundle(gateCtx, cfg.Consensus.PolicyBundlePath)
	if err != nil {
		log.Error("compile consensus policy", logging.NewFields().Error(err))
		os.Exit(1)
	}

	var recorder consensus.SnapshotRecorder
	if cfg.Snapshot.DSN != "" {
		db, err := snapshotstore.Open(context.Background(), cfg.Snapshot.DSN)
		if err != nil {
			log.Error("connect to snapshot store", logging.NewFields().Error(err))
			os.Exit(1)
		}
		defer db.Close()
		recorder = snapshotstore.New(db)
	}

	gate := consensus.New(st, log, consensus.Config{
		DefaultDeadline: cfg.Consensus.DefaultDeadline,
	}, policyEval, nil, recorder)

	metricsSrv := metrics.NewServer(trimColonPrefix(cfg.API.MetricsAddr), log)
	metricsSrv.StartAsync()

	rt := worker.New(worker.Config{
		AgentID:        id,
		Class:          *class,
		Capabilities:   splitCapabilities(*capabilities),
		MaxConcurrency: *maxConcurrency,
		PID:            os.Getpid(),
		ClaimWait:      10 * time.Second,
		PollBackoff:    time.Second,
		DrainTimeout:   30 * time.Second,
		SweepInterval:  cfg.Queue.ReaperInterval,
	}, log, reg, eng, coord, fab, gate, &shellExecutor{log: log})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		log.Error("start worker runtime", logging.NewFields().Error(err))
		os.Exit(1)
	}
	log.Info("fabworker started", logging.NewFields().Class(*class).AgentID(id))

	<-ctx.Done()
	log.Info("fabworker shutting down", logging.NewFields().AgentID(id))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if err := rt.Stop(shutdownCtx); err != nil {
		log.Error("stop worker runtime", logging.NewFields().Error(err))
	}
	_ = metricsSrv.Stop(shutdownCtx)
}

func policyFromBundle(ctx context.Context, path string) (*consensus.PolicyEvaluator, error) {
	if path == "" {
		return consensus.NewPolicyEvaluator(ctx)
	}
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle %s: %w", path, err)
	}
	return consensus.NewPolicyEvaluatorFromModule(ctx, string(module))
}

func splitCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func trimColonPrefix(addr string) string {
	return strings.TrimPrefix(addr, ":")
}

// shellExecutor is the Executor fabworker ships with by default: it treats a
// task's payload as a shell command run through /bin/sh. The fabric
// dispatches work without interpreting it. AI model adapters and other
// domain-specific handlers are the operator's own Executor implementation,
// wired in by replacing this type where main constructs the Runtime.
type shellExecutor struct {
	log *logging.Logger
}

func (e *shellExecutor) ProcessTask(ctx context.Context, t task.Task) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", string(t.Payload))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("task %s: %w", t.ID, err)
	}
	return out.Bytes(), nil
}
