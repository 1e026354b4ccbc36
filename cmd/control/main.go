// Control binary: HTTP ingress for task submission, result retrieval, and
// stream health.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentic-task-fabric/internal/config"
	"github.com/agentic-task-fabric/internal/control"
	"github.com/agentic-task-fabric/internal/persistence"
	"github.com/agentic-task-fabric/internal/stream"
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

	icfg := control.DefaultIngressConfig(domain)
	icfg.StreamMaxLen = cfg.Redis.StreamMaxLen
	ingress := control.NewIngress(icfg, store, keys, logger)

	svc, err := buildPersistence(cfg, logger)
	if err != nil {
		logger.Fatal("persistence", zap.Error(err))
	}

	scfg := control.DefaultServerConfig()
	scfg.Addr = cfg.Control.Addr
	scfg.JWTSecret = cfg.Control.JWTSecret
	srv := control.NewServer(scfg, ingress, func() map[string]persistence.OpStats {
		return svc.Metrics().Snapshot()
	}, logger)

	if err := srv.ListenAndServe(); err != nil {
		logger.Fatal("http server", zap.Error(err))
	}
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

func buildPersistence(cfg config.Config, logger *zap.Logger) (*persistence.Service, error) {
	var adapter persistence.Adapter
	if cfg.Persist.APIURL != "" {
		rc := persistence.DefaultRemoteConfig()
		rc.BaseURL = cfg.Persist.APIURL
		rc.APIKey = cfg.Persist.APIKey
		remote, err := persistence.NewRemoteAdapter(rc, logger)
		if err != nil {
			return nil, err
		}
		adapter = remote
	} else {
		adapter = persistence.NewInMemoryAdapter()
	}
	return persistence.NewService(adapter, persistence.ServiceConfig{
		ReadTables:  cfg.Persist.ReadTables,
		WriteTables: cfg.Persist.WriteTables,
		DenyTables:  cfg.Persist.DenyTables,
	}, logger)
}
