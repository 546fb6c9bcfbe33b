package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"resumable/internal/config"
	"resumable/internal/expiration"
	"resumable/internal/server"
	"resumable/pkg/logger"

	"github.com/getsentry/sentry-go"
	"github.com/gnitoahc/go-dotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "resumable",
	Short: "Resumable is a tus upload server.",
	Long: `Resumable is a tus upload server. It accepts resumable uploads over the tus 1.0.0 protocol
and stores them on the local filesystem, in SQLite or in an S3 compatible bucket.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the upload server.",
	Long:  `Start the upload server. Uploads are served under the base path, next to /ping and /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, err := server.OpenEngine(ctx, cfg)
		if err != nil {
			return err
		}
		srv := server.New(cfg, engine)
		defer func() {
			if err := srv.Close(context.WithoutCancel(ctx)); err != nil {
				logger.Warn().Err(err).Msg("failed to close storage engine")
			}
		}()
		return srv.ListenAndServe(ctx, cfg.Port)
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Remove expired uploads once.",
	Long:  `Remove expired uploads once. Useful from cron when the server runs with a long expiration interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		engine, err := server.OpenEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer engine.Close(ctx)

		return expiration.New(engine, cfg.ExpirationInterval, cfg.Expiration).Sweep(ctx)
	},
}

func init() {
	dotenv.Load(".env")
}

// setup loads the configuration and applies its logging and error reporting
// settings.
func setup(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}

	logger.SetLevel(cfg.Log.Level)
	logger.SetOutput(cfg.LogOutput(cmd.ErrOrStderr()))

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		AttachStacktrace: true,
	}); err != nil {
		return nil, fmt.Errorf("sentry.Init: %w", err)
	}
	return cfg, nil
}

func main() {
	rootCmd.AddCommand(serveCmd, expireCmd)
	config.AttachFlags(rootCmd, v)

	err := rootCmd.Execute()
	sentry.Flush(2 * time.Second)
	if err != nil {
		os.Exit(1)
	}
}
