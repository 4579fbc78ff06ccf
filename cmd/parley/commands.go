package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/parley/internal/auth"
	"github.com/ashita-ai/parley/internal/config"
	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/registry"
	"github.com/ashita-ai/parley/internal/storage"
	"github.com/ashita-ai/parley/migrations"
)

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store != config.StorePostgres {
				return fmt.Errorf("migrate requires PARLEY_STORE=postgres (got %q)", cfg.Store)
			}
			ctx := cmd.Context()
			db, err := storage.New(ctx, cfg.DatabaseURL, 2, logger)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer db.Close(ctx)
			if err := db.RunMigrations(ctx, migrations.FS); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func buildToolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := registry.Default()
			if err != nil {
				return err
			}
			list := reg.List()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCONFIRM\tTOKENS\tSUMMARY")
			for _, t := range list {
				fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", t.Name, t.NeedsConfirmation, t.TokenCost, t.Summary)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the registry as JSON")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		tier string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a signed JWT for a user (development)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTPrivateKeyPath == "" {
				return fmt.Errorf("PARLEY_JWT_PRIVATE_KEY and PARLEY_JWT_PUBLIC_KEY must be set; an ephemeral key would mint a token no server accepts")
			}
			parsed, ok := model.ParseTier(tier)
			if !ok {
				return fmt.Errorf("unknown tier %q (want free, paid or dev)", tier)
			}
			mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
			if err != nil {
				return err
			}
			token, expiresAt, err := mgr.IssueToken(args[0], parsed, ttl)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", string(model.TierFree), "quota tier: free, paid or dev")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: PARLEY_JWT_EXPIRATION)")
	return cmd
}
