// Command seed adds sample requests to the ledger and optionally announces
// them to a running orchestrator.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"agent-orchestrator/backend/internal/bus"
	"agent-orchestrator/backend/internal/config"
	"agent-orchestrator/backend/internal/ledger"
	"agent-orchestrator/backend/internal/logging"
	"agent-orchestrator/backend/pkg/models"
)

var (
	configPath string
	publish    bool
)

var seedRequests = []models.Request{
	{
		ID:          "REQ-1001",
		Title:       "Export workflow history as CSV",
		Assignee:    models.AssigneeProduct,
		Priority:    "high",
		Source:      "seed",
		Type:        "feature",
		Description: "Operators want to download the stage history of a request.",
	},
	{
		ID:          "REQ-1002",
		Title:       "Show breaker state on the status page",
		Assignee:    models.AssigneeEngineering,
		Priority:    "medium",
		Source:      "seed",
		Type:        "feature",
		Description: "Surface admission control state next to the workflow list.",
	},
	{
		ID:          "REQ-1003",
		Title:       "Dark mode for the review console",
		Assignee:    models.AssigneeDesign,
		Priority:    "low",
		Source:      "seed",
		Type:        "feature",
		Description: "Reviewers asked for a dark theme.",
	},
}

var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the ledger with sample requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./config.yaml)")
	rootCmd.Flags().BoolVar(&publish, "publish", false, "Also publish each new request on "+bus.ChannelNewRequirements)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	store, err := ledger.NewFileStore(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	var b bus.Bus
	if publish {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("--publish needs redis.addr")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b = bus.NewRedisBus(client, bus.WithPrefix(cfg.Redis.Prefix), bus.WithStreamLen(cfg.Redis.StreamLen))
		defer b.Close()
	}

	for _, req := range seedRequests {
		req.Status = models.RequestNew
		added, err := store.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", req.ID, err)
		}
		if !added {
			logger.Info("Skipping existing request", "request_id", req.ID)
			continue
		}
		logger.Info("Seeded request", "request_id", req.ID, "title", req.Title)

		if b != nil {
			if err := bus.Publish(ctx, b, bus.ChannelNewRequirements, req.ID, req); err != nil {
				return fmt.Errorf("failed to publish %s: %w", req.ID, err)
			}
		}
	}
	logger.Info("Seeding complete!")
	return nil
}
