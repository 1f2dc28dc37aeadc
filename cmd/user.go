package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/calbooker/internal/auth"
	"github.com/example/calbooker/internal/config"
	"github.com/example/calbooker/internal/db"
	"github.com/example/calbooker/internal/migrate"
	"github.com/example/calbooker/internal/whitelist"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage whitelisted users and admins",
	}
	cmd.AddCommand(newUserApproveCmd())
	cmd.AddCommand(newUserRevokeCmd())
	cmd.AddCommand(newUserPendingCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newAdminAddCmd())
	return cmd
}

func withWhitelist(fn func(ctx context.Context, wl *whitelist.Service) error) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	ctx := context.Background()
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := migrate.Up(ctx, d); err != nil {
		return err
	}
	return fn(ctx, whitelist.New(d))
}

func newUserApproveCmd() *cobra.Command {
	var displayName, username string
	c := &cobra.Command{
		Use:   "approve <user-id>",
		Short: "Approve a pending access request (or whitelist a user directly)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWhitelist(func(ctx context.Context, wl *whitelist.Service) error {
				userID := args[0]
				ok, err := wl.ApproveRequest(ctx, userID, "cli")
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(os.Stdout, "approved pending request for %s\n", userID)
					return nil
				}
				// No pending request: whitelist directly.
				if displayName == "" {
					displayName = userID
				}
				if err := wl.Approve(ctx, userID, displayName, username, "cli"); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "whitelisted %s\n", userID)
				return nil
			})
		},
	}
	c.Flags().StringVar(&displayName, "name", "", "display name (when whitelisting directly)")
	c.Flags().StringVar(&username, "username", "", "chat username (when whitelisting directly)")
	return c
}

func newUserRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Remove a user from the whitelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWhitelist(func(ctx context.Context, wl *whitelist.Service) error {
				if err := wl.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func newUserPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List pending access requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWhitelist(func(ctx context.Context, wl *whitelist.Service) error {
				reqs, err := wl.PendingRequests(ctx)
				if err != nil {
					return err
				}
				if len(reqs) == 0 {
					fmt.Fprintln(os.Stdout, "no pending access requests")
					return nil
				}
				for _, r := range reqs {
					fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%s\n",
						r.UserID, r.DisplayName, r.Username, r.RequestedAt.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List whitelisted users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWhitelist(func(ctx context.Context, wl *whitelist.Service) error {
				entries, err := wl.ListApproved(ctx)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(os.Stdout, "%s\t%s\t%s\tapproved by %s\n",
						e.UserID, e.DisplayName, e.Username, e.ApprovedBy)
				}
				return nil
			})
		},
	}
}

func newAdminAddCmd() *cobra.Command {
	var username, password string

	c := &cobra.Command{
		Use:   "admin-add",
		Short: "Add an admin web UI login (username/password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx := context.Background()
			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := migrate.Up(ctx, d); err != nil {
				return err
			}

			store := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			if err := store.CreateAdmin(ctx, username, password); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "created admin %q\n", username)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}
