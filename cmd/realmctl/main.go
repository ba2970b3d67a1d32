package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/realmctl/internal/config"
	"github.com/danmuck/realmctl/internal/keycloak"
	"github.com/danmuck/realmctl/internal/observability"
	"github.com/danmuck/realmctl/internal/provision"
	"github.com/danmuck/realmctl/internal/retry"
	"github.com/rs/zerolog"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitBadConfig = 2
)

func main() {
	logger := observability.InitLogger("realmctl")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.LookupEnv, os.Stderr, logger, nil)
	stop()
	os.Exit(code)
}

// run is main without process globals. A nil sleeper uses real timers.
func run(
	ctx context.Context,
	args []string,
	lookup func(string) (string, bool),
	stderr io.Writer,
	logger zerolog.Logger,
	sleeper retry.Sleeper,
) int {
	fs := flag.NewFlagSet("realmctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "optional TOML config; environment variables override its keys")
	if err := fs.Parse(args); err != nil {
		return exitBadConfig
	}

	cfg, err := config.Load(*configPath, lookup)
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return exitBadConfig
	}
	logger.Info().
		Str("service_url", cfg.ServiceURL).
		Str("realm", cfg.RealmName).
		Bool("recreate_realm", cfg.RecreateRealm).
		Int("max_retries", cfg.MaxRetries).
		Int64("retry_interval_ms", cfg.RetryIntervalMS).
		Msg("loaded configuration")

	admin, err := keycloak.NewAdminClient(keycloak.AdminConfig{
		BaseURL:   cfg.ServiceURL,
		AuthRealm: cfg.AdminRealm,
		ClientID:  cfg.AdminClientID,
		Username:  cfg.AdminUsername,
		Password:  cfg.AdminPassword,
		Timeout:   cfg.RequestTimeout,
		CAFile:    cfg.CAFile,
		Logger:    logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return exitBadConfig
	}

	opts := []provision.Option{provision.WithLogger(logger)}
	if sleeper != nil {
		opts = append(opts, provision.WithSleeper(sleeper))
	}
	p, err := provision.New(cfg, admin, opts...)
	if err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return exitBadConfig
	}

	report := p.Run(ctx)
	if cfg.MetricsTextfile != "" {
		if err := observability.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn().Err(err).Str("path", cfg.MetricsTextfile).Msg("write metrics textfile")
		}
	}
	if !report.Succeeded {
		if errors.Is(report.Err, context.Canceled) {
			fmt.Fprintln(stderr, "realmctl: interrupted before provisioning completed")
		} else {
			fmt.Fprintf(stderr, "realmctl: failed to configure %s after %d attempts: %v\n", cfg.ServiceURL, report.Attempts, report.Err)
		}
		return exitFailed
	}
	return exitOK
}
