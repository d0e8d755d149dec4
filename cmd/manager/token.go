package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sasewaddle/manager/pkg/api"
	"github.com/sasewaddle/manager/pkg/auth"
	"github.com/sasewaddle/manager/pkg/cache"
	"github.com/sasewaddle/manager/pkg/config"
	"github.com/sasewaddle/manager/pkg/events"
	"github.com/sasewaddle/manager/pkg/log"
	"github.com/sasewaddle/manager/pkg/types"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin token pair",
	Long: `Mint a token pair carrying the admin permission, signed with the
manager's signing key. The tokens are recorded in redis so they can be
validated and revoked like any node token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		return runToken(configPath, subject, ttl)
	},
}

func init() {
	tokenCmd.Flags().String("config", "", "Path to YAML config file")
	tokenCmd.Flags().String("subject", "admin", "Token subject")
	tokenCmd.Flags().Duration("ttl", 0, "Access token TTL (default from config)")
}

func runToken(configPath, subject string, ttl time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if ttl > 0 {
		cfg.Auth.AccessTokenTTL = ttl
		if cfg.Auth.RefreshTokenTTL <= ttl {
			cfg.Auth.RefreshTokenTTL = 2 * ttl
		}
	}

	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})

	signKey, err := auth.LoadOrGenerateSigningKey(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %v", err)
	}

	redisCache := cache.New(cfg.Redis)
	defer redisCache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("redis unreachable, cannot record token: %v", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	tokens := auth.NewTokenService(signKey, redisCache, broker, cfg.Auth)
	pair, err := tokens.GenerateTokenPair(ctx, subject, types.NodeTypeHeadend,
		[]string{api.AdminPermission}, map[string]string{"issued_by": "cli"})
	if err != nil {
		return fmt.Errorf("failed to mint token: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pair)
}
