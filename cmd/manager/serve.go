package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sasewaddle/manager/pkg/api"
	"github.com/sasewaddle/manager/pkg/auth"
	"github.com/sasewaddle/manager/pkg/cache"
	"github.com/sasewaddle/manager/pkg/config"
	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/feeds"
	"github.com/sasewaddle/manager/pkg/firewall"
	"github.com/sasewaddle/manager/pkg/guard"
	"github.com/sasewaddle/manager/pkg/log"
	"github.com/sasewaddle/manager/pkg/metrics"
	"github.com/sasewaddle/manager/pkg/registry"
	"github.com/sasewaddle/manager/pkg/security"
	"github.com/sasewaddle/manager/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the manager control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSONOutput,
	})
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	redisCache := cache.New(cfg.Redis)
	defer redisCache.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisCache.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
		metrics.RegisterComponent("redis", false, "unreachable")
	} else {
		metrics.RegisterComponent("redis", true, "")
	}
	cancelPing()

	secrets, err := secretsManager(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets manager: %v", err)
	}

	ca := security.NewCertAuthority(store, secrets)
	if err := ca.EnsureInitialized(); err != nil {
		return fmt.Errorf("failed to initialize certificate authority: %v", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	signKey, err := auth.LoadOrGenerateSigningKey(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %v", err)
	}
	tokens := auth.NewTokenService(signKey, redisCache, broker, cfg.Auth)

	clusters, err := registry.NewClusterRegistry(store, broker)
	if err != nil {
		return fmt.Errorf("failed to initialize cluster registry: %v", err)
	}
	clusters.StartHealthMonitor()
	defer clusters.Stop()

	clients, err := registry.NewClientRegistry(store, clusters, broker)
	if err != nil {
		return fmt.Errorf("failed to initialize client registry: %v", err)
	}
	clients.StartCleanup()
	defer clients.Stop()

	ipam, err := security.NewIPAllocator(cfg.Network.OverlayCIDR, cfg.Network.IPReleaseGrace)
	if err != nil {
		return fmt.Errorf("failed to initialize overlay allocator: %v", err)
	}
	peers, err := registry.NewPeerManager(store, ipam)
	if err != nil {
		return fmt.Errorf("failed to initialize peer manager: %v", err)
	}

	fw := firewall.NewService(store, redisCache, broker)

	ingestor := feeds.NewIngestor(cfg.Feeds, store, broker)
	feedCtx, cancelFeeds := context.WithCancel(context.Background())
	defer cancelFeeds()
	if cfg.Feeds.Enabled {
		ingestor.Start(feedCtx)
		defer ingestor.Stop()
	}
	checker := feeds.NewChecker(store, broker)

	limiter, err := guard.NewLimiter(redisCache, store, broker)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %v", err)
	}

	healthServer := metrics.StartHealthServer(cfg.Server.HealthAddr)

	server := api.NewServer(api.Deps{
		Config:   cfg,
		Tokens:   tokens,
		Clusters: clusters,
		Clients:  clients,
		Peers:    peers,
		CA:       ca,
		Firewall: fw,
		Ingestor: ingestor,
		Checker:  checker,
		Limiter:  limiter,
		Store:    store,
		Cache:    redisCache,
		Broker:   broker,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Str("health_addr", cfg.Server.HealthAddr).
		Str("overlay_cidr", cfg.Network.OverlayCIDR).
		Msg("manager is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api shutdown incomplete")
	}
	_ = healthServer.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
	return nil
}

// secretsManager builds the at-rest encryption for the CA key. A
// password from MANAGER_SECRETS_PASSWORD wins; otherwise the key is
// derived from the data directory path so a single-node deployment
// works out of the box.
func secretsManager(dataDir string) (*security.SecretsManager, error) {
	if password := os.Getenv("MANAGER_SECRETS_PASSWORD"); password != "" {
		return security.NewSecretsManagerFromPassword(password)
	}
	return security.NewSecretsManager(security.DeriveKey("sasewaddle-manager:" + dataDir))
}
