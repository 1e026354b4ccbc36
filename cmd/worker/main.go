// Worker binary: claims tasks from the domain stream and runs the
// registered agents until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentic-task-fabric/internal/config"
	"github.com/agentic-task-fabric/internal/monitoring"
	"github.com/agentic-task-fabric/internal/persistence"
	"github.com/agentic-task-fabric/internal/registry"
	"github.com/agentic-task-fabric/internal/retrieval"
	"github.com/agentic-task-fabric/internal/stream"
	"github.com/agentic-task-fabric/internal/worker"
	"github.com/agentic-task-fabric/internal/writer"
)

const domain = "agents"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb, err := dialRedis(cfg.Redis)
	if err != nil {
		logger.Fatal("redis dial", zap.Error(err))
	}
	store := stream.NewRedisStore(rdb, logger)
	keys := stream.NewKeys(cfg.Redis.Namespace)

	adapter, err := buildAdapter(cfg, logger)
	if err != nil {
		logger.Fatal("persistence adapter", zap.Error(err))
	}
	svc, err := persistence.NewService(adapter, persistence.ServiceConfig{
		ReadTables:  cfg.Persist.ReadTables,
		WriteTables: cfg.Persist.WriteTables,
		DenyTables:  cfg.Persist.DenyTables,
	}, logger)
	if err != nil {
		logger.Fatal("persistence", zap.Error(err))
	}

	// The facade's service carries no write allowlist, so even a bug in the
	// facade itself cannot reach a write path.
	readSvc, err := persistence.NewService(adapter, persistence.ServiceConfig{
		ReadTables: cfg.Persist.ReadTables,
		DenyTables: cfg.Persist.DenyTables,
	}, logger)
	if err != nil {
		logger.Fatal("read-only persistence", zap.Error(err))
	}
	facade := persistence.NewReadOnlyFacade(readSvc)

	ragCfg := retrieval.DefaultAgentConfig()
	ragCfg.DefaultLimit = cfg.RAG.DefaultLimit
	ragCfg.MaxLimit = cfg.RAG.MaxLimit
	ragCfg.SummaryThreshold = cfg.RAG.SummaryThreshold
	ragCfg.MaxFallbacksPerMin = cfg.RAG.MaxFallbacksPerMin
	ragCfg.MaxReformulations = cfg.RAG.MaxReformulations
	ragCfg.CacheDisabled = cfg.RAG.CacheDisabled
	ragCfg.DefaultListOnEmpty = cfg.RAG.DefaultListOnEmpty

	bundle := retrieval.NewContextBundle(facade, cfg.Persist.ReadTables, 5)
	ragAgent, err := retrieval.NewAgent(ragCfg, facade, nil, bundle, logger)
	if err != nil {
		logger.Fatal("retrieval agent", zap.Error(err))
	}
	writeAgent := writer.NewAgent(svc, ragCfg.Source, logger)

	reg := registry.New()
	reg.MustRegister("rag_query", ragAgent)
	reg.MustRegister("persistence_write", writeAgent)
	reg.Freeze()

	emitter := buildEmitter(cfg, logger)

	wcfg := worker.DefaultConfig(domain)
	wcfg.StreamMaxLen = cfg.Redis.StreamMaxLen
	wcfg.MaxRetries = cfg.Redis.MaxRetries
	wcfg.RetryBackoff = cfg.Redis.RetryBackoff
	wcfg.EnableDLQ = cfg.Ops.EnableDLQ
	wcfg.DelayedRetry = cfg.Ops.DelayedRetry
	wcfg.HBEnabled = cfg.Ops.HBEnabled
	wcfg.HBInterval = cfg.Ops.HBInterval
	wcfg.HBTTL = cfg.Ops.HBTTL
	wcfg.IdempTTL = cfg.Ops.IdempTTL
	wcfg.Once = cfg.WorkerOnce

	dispatcher := worker.NewDispatcher(map[string]int{
		"rag_query":         4,
		"persistence_write": 2,
	})
	rt := worker.NewRuntime(wcfg, store, keys, reg, dispatcher, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	emitter.Emit("worker_started", map[string]interface{}{
		"domain":   domain,
		"consumer": wcfg.Consumer,
		"flows":    strings.Join(reg.Flows(), ","),
	})

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		emitter.EmitError("worker_failed", err, map[string]interface{}{"domain": domain})
		logger.Fatal("runtime", zap.Error(err))
	}
	emitter.Emit("worker_stopped", map[string]interface{}{"domain": domain})
}

func dialRedis(rc config.Redis) (*redis.Client, error) {
	if strings.HasPrefix(rc.URL, "redis://") || strings.HasPrefix(rc.URL, "rediss://") {
		opts, err := redis.ParseURL(rc.URL)
		if err != nil {
			return nil, err
		}
		opts.MaxRetries = rc.MaxRetries
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:       rc.Addr(),
		DB:         rc.DB,
		Password:   rc.Password,
		MaxRetries: rc.MaxRetries,
	}), nil
}

func buildAdapter(cfg config.Config, logger *zap.Logger) (persistence.Adapter, error) {
	if cfg.Persist.APIURL != "" {
		rc := persistence.DefaultRemoteConfig()
		rc.BaseURL = cfg.Persist.APIURL
		rc.APIKey = cfg.Persist.APIKey
		return persistence.NewRemoteAdapter(rc, logger)
	}
	return persistence.NewInMemoryAdapter(), nil
}

func buildEmitter(cfg config.Config, logger *zap.Logger) *monitoring.Emitter {
	var sink monitoring.Sink
	if cfg.NATSURL != "" {
		nsink, err := monitoring.ConnectNATS(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats sink unavailable", zap.Error(err))
		} else {
			sink = nsink
		}
	}
	return monitoring.NewEmitter(logger, sink)
}
