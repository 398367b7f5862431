package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/distcache/internal/algorithm"
	"github.com/devrev/distcache/internal/cache"
	"github.com/devrev/distcache/internal/config"
	"github.com/devrev/distcache/internal/container"
	"github.com/devrev/distcache/internal/distribution"
	"github.com/devrev/distcache/internal/health"
	"github.com/devrev/distcache/internal/membership"
	"github.com/devrev/distcache/internal/metrics"
	"github.com/devrev/distcache/internal/model"
	"github.com/devrev/distcache/internal/notify"
	"github.com/devrev/distcache/internal/server"
	"github.com/devrev/distcache/internal/store"
	"github.com/devrev/distcache/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	self := model.Address(cfg.Server.Address())
	logger.Info("Starting cache node",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", self.String()),
		zap.Int("num_owners", cfg.Cluster.NumOwners),
		zap.String("hash_algorithm", cfg.Cluster.HashAlgorithm),
		zap.String("membership", cfg.Membership.Type),
		zap.String("store", cfg.Persistence.Type))

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	// Initialize cache store
	loader, err := newStore(cfg.Persistence, logger)
	if err != nil {
		logger.Fatal("Failed to initialize cache store", zap.Error(err))
	}

	// Initialize transport and cache node
	rpc := transport.NewGRPCTransport(self, cfg.Cluster.RehashRPCTimeout, m, logger)
	notifier := notify.NewNotifier(logger)
	node, err := cache.New(cacheOptions(cfg, self), loader, rpc, notifier, m, logger)
	if err != nil {
		logger.Fatal("Failed to create cache node", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		logger.Fatal("Failed to start cache node", zap.Error(err))
	}

	// Start transport server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to create listener", zap.Error(err))
	}
	serverErrors := make(chan error, 2)
	go func() {
		serverErrors <- rpc.Serve(listener, node)
	}()

	// Join the cluster
	source := newMembership(cfg, self, logger)
	if err := source.Start(ctx, node.HandleViewChange); err != nil {
		logger.Fatal("Failed to start membership", zap.Error(err))
	}

	// Start admin server
	var pinger store.Pinger
	if p, ok := loader.(store.Pinger); ok {
		pinger = p
	}
	var admin *server.Server
	if cfg.Metrics.Enabled {
		hc := health.NewHealthChecker(node.Distribution(), pinger, logger)
		admin = server.NewServer(server.Config{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, node, hc, registry, logger)
		go func() {
			if err := admin.Start(); err != nil {
				serverErrors <- err
			}
		}()
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := source.Stop(); err != nil {
		logger.Warn("Failed to leave membership", zap.Error(err))
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown failed", zap.Error(err))
		}
	}
	cancel()
	if err := node.Stop(shutdownCtx); err != nil {
		logger.Error("Cache node stop failed", zap.Error(err))
	}

	logger.Info("Cache node stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func cacheOptions(cfg *config.Config, self model.Address) cache.Options {
	kind := algorithm.Kind(cfg.Cluster.HashAlgorithm)
	return cache.Options{
		Self: self,
		Distribution: distribution.Config{
			NumOwners: cfg.Cluster.NumOwners,
			HashKind:  kind,
			HashOptions: algorithm.Options{
				VirtualNodes:   cfg.Cluster.VirtualNodes,
				PartitionCount: cfg.Cluster.PartitionCount,
			},
			BatchSize:            cfg.Cluster.StateTransferBatchSize,
			Concurrency:          cfg.Cluster.InvalidationConcurrency,
			StateTransferRetries: cfg.Cluster.StateTransferRetries,
			RehashRetries:        cfg.Cluster.RehashRetries,
			RehashRetryInterval:  cfg.Cluster.RehashRetryInterval,
			StateWaitTimeout:     cfg.Cluster.StateWaitTimeout,
			SharedStore:          cfg.Persistence.Shared,
		},
		Container: container.Config{
			MaxEntries: cfg.Container.MaxEntries,
		},
		DefaultLifespan:    cfg.Container.DefaultLifespan,
		Passivation:        cfg.Persistence.Passivation,
		PassivationTimeout: cfg.Persistence.PassivationTimeout,
		PassivateOnStop:    cfg.Persistence.PassivateOnStop,
		Statistics:         cfg.Persistence.Statistics,
	}
}

// newStore returns nil for a node without persistence
func newStore(cfg config.PersistenceConfig, logger *zap.Logger) (store.CacheLoader, error) {
	switch cfg.Type {
	case config.StoreNone:
		return nil, nil
	case config.StoreMemory:
		return store.NewMemoryStore(cfg.CleanupInterval, logger), nil
	case config.StoreRedis:
		return store.NewRedisStore(store.RedisOptions{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
	case config.StorePostgres:
		return store.NewPostgresStore(store.PostgresOptions{
			Host:           cfg.Database.Host,
			Port:           cfg.Database.Port,
			Database:       cfg.Database.Database,
			User:           cfg.Database.User,
			Password:       cfg.Database.Password,
			MaxConnections: cfg.Database.MaxConnections,
			MinConnections: cfg.Database.MinConnections,
			Table:          cfg.Database.Table,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func newMembership(cfg *config.Config, self model.Address, logger *zap.Logger) membership.Source {
	switch cfg.Membership.Type {
	case config.MembershipStatic:
		members := model.ParseAddresses(cfg.Membership.Members)
		if !model.ContainsAddress(members, self) {
			members = append(members, self)
		}
		return membership.NewStaticSource(members, logger)
	case config.MembershipZooKeeper:
		return membership.NewZooKeeperSource(membership.ZooKeeperConfig{
			Servers:        cfg.Membership.ZooKeeper.Servers,
			Root:           cfg.Membership.ZooKeeper.Path,
			SessionTimeout: cfg.Membership.ZooKeeper.SessionTimeout,
		}, self, logger)
	default:
		return membership.NewGossipSource(membership.GossipConfig{
			NodeID:         cfg.Server.NodeID,
			BindPort:       cfg.Membership.Gossip.BindPort,
			SeedNodes:      cfg.Membership.Gossip.SeedNodes,
			GossipInterval: cfg.Membership.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Membership.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Membership.Gossip.ProbeInterval,
		}, self, logger)
	}
}
