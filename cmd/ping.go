package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/calbooker/internal/cache"
	"github.com/example/calbooker/internal/calcom"
	"github.com/example/calbooker/internal/config"
)

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Verify Cal.com API credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			client := calcom.New(calcom.Config{
				BaseURL:     cfg.CalBaseURL,
				APIKey:      cfg.CalAPIKey,
				APIVersion:  cfg.CalAPIVersion,
				EventTypeID: cfg.CalEventTypeID,
			}, cache.New(cfg.AvailabilityTTL), slog.Default())

			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("cal.com ping failed: %w", err)
			}
			fmt.Fprintln(os.Stdout, "cal.com credentials ok")
			return nil
		},
	}
}
