package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/calbooker/internal/auth"
	"github.com/example/calbooker/internal/cache"
	"github.com/example/calbooker/internal/calcom"
	"github.com/example/calbooker/internal/config"
	"github.com/example/calbooker/internal/db"
	"github.com/example/calbooker/internal/engine"
	"github.com/example/calbooker/internal/flow"
	"github.com/example/calbooker/internal/migrate"
	"github.com/example/calbooker/internal/notify"
	"github.com/example/calbooker/internal/session"
	"github.com/example/calbooker/internal/timezone"
	"github.com/example/calbooker/internal/web"
	"github.com/example/calbooker/internal/whitelist"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the booking engine + admin web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			log := slog.New(slog.NewTextHandler(os.Stdout, nil))
			slog.SetDefault(log)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			zones, err := timezone.NewResolver()
			if err != nil {
				return err
			}

			availCache := cache.New(cfg.AvailabilityTTL)
			client := calcom.New(calcom.Config{
				BaseURL:     cfg.CalBaseURL,
				APIKey:      cfg.CalAPIKey,
				APIVersion:  cfg.CalAPIVersion,
				EventTypeID: cfg.CalEventTypeID,
			}, availCache, log)

			var store session.Store
			if cfg.RedisAddr != "" {
				store = session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
					session.WithTTL(2*cfg.IdleTimeout))
				log.Info("session store: redis", "addr", cfg.RedisAddr)
			} else {
				store = session.NewMemoryStore()
				log.Info("session store: memory")
			}

			var notifier engine.Notifier
			if cfg.TransportCallbackURL != "" {
				notifier = notify.NewHTTPNotifier(cfg.TransportCallbackURL, log)
			} else {
				notifier = notify.LogNotifier{Log: log}
			}

			wl := whitelist.New(d)
			eng := engine.New(engine.Config{
				Store:       store,
				Client:      client,
				Gate:        wl,
				Machine:     flow.NewMachine(zones),
				Notifier:    notifier,
				Logger:      log,
				IdleTimeout: cfg.IdleTimeout,
				Metadata: func(userID string) map[string]string {
					return map[string]string{
						"source":   "chat",
						"user_id":  userID,
						"trace_id": uuid.NewString(),
					}
				},
			})
			go func() { _ = eng.Run(ctx) }()

			ws := &web.Server{
				Auth:      auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey),
				Whitelist: wl,
				Engine:    eng,
				Log:       log,
			}
			log.Info("listening", "addr", cfg.ListenAddr)
			return web.Start(ctx, cfg.ListenAddr, ws.Routes())
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
