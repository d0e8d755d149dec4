package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sasewaddle/manager/pkg/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health of a running manager",
	Long: `Query the health listener of a running manager and print the
component health report.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		addr, _ := cmd.Flags().GetString("addr")
		return runStatus(configPath, addr)
	},
}

func init() {
	statusCmd.Flags().String("config", "", "Path to YAML config file")
	statusCmd.Flags().String("addr", "", "Health listener address (default from config)")
}

func runStatus(configPath, addr string) error {
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}
		addr = cfg.Server.HealthAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return fmt.Errorf("manager unreachable at %s: %v", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var health map[string]interface{}
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("unexpected response from %s: %v", addr, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(health); err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manager reports unhealthy")
	}
	return nil
}
