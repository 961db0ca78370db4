// Package main provides the pageblocks binary: the HTTP server plus operator commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/router-for-me/PageBlocks/internal/app"
	"github.com/router-for-me/PageBlocks/internal/config"
	"github.com/router-for-me/PageBlocks/internal/logging"
	"github.com/router-for-me/PageBlocks/internal/security"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
	appName = "pageblocks"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "AI content-block generation for marketing pages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML, default $"+config.EnvConfigPath+" or config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(opts),
		migrateCmd(opts),
		tokenCmd(opts),
		queueCmd(opts),
		generateCmd(opts),
		costsCmd(opts),
		promptsCmd(opts),
		pagesCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

func (o *options) load() (*config.Config, func(), error) {
	path := o.configPath
	if strings.TrimSpace(path) == "" && os.Getenv(config.EnvConfigPath) == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, func() { _ = closer.Close() }, nil
}

// withApp builds the services, runs fn and releases everything afterwards.
func (o *options) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, done, err := o.load()
	if err != nil {
		return err
	}
	defer done()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := a.Close(); errClose != nil {
			log.WithError(errClose).Warn("close failed")
		}
	}()
	return fn(ctx, a)
}

func serveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the queue scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := opts.load()
			if err != nil {
				return err
			}
			defer done()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.RunServer(ctx, cfg)
		},
	}
}

func migrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := opts.load()
			if err != nil {
				return err
			}
			defer done()
			if errMigrate := app.Migrate(cmd.Context(), cfg); errMigrate != nil {
				return errMigrate
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func tokenCmd(opts *options) *cobra.Command {
	var (
		userID       uint64
		username     string
		capabilities []string
		ttl          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, done, err := opts.load()
			if err != nil {
				return err
			}
			defer done()
			for _, capability := range capabilities {
				if !security.ValidCapability(capability) {
					return fmt.Errorf("unknown capability %q (known: %s)", capability, strings.Join(security.AllCapabilities(), ", "))
				}
			}
			if ttl <= 0 {
				ttl = cfg.JWT.TTL
			}
			token, err := security.GenerateToken(cfg.JWT.Secret, userID, username, capabilities, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&userID, "user-id", 1, "User ID recorded in the ledger")
	cmd.Flags().StringVar(&username, "username", "admin", "Token subject")
	cmd.Flags().StringSliceVar(&capabilities, "cap", security.AllCapabilities(), "Capabilities to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default jwt.ttl)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
