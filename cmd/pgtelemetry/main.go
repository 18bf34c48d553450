package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ethpandaops/pgtelemetry/internal/agent"
	"github.com/ethpandaops/pgtelemetry/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pgtelemetry",
		Short: "PostgreSQL statistics exporter for OpenTelemetry",
		Long: `pgtelemetry periodically samples PostgreSQL table statistics and
exports them, together with counters submitted over HTTP, through an
OpenTelemetry pipeline that can be reconfigured without a restart.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.PersistentFlags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)
	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)

	cmd.AddCommand(versionCmd(), emitCmd(), migrateCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

// setup creates the logger and loads the config file.
func setup() (*logrus.Logger, *agent.Config, error) {
	if cfgFile == "" {
		return nil, nil, errors.New(`required flag "config" not set`)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := agent.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	// CLI flag overrides config file.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.LogLevel, err)
	}

	log.SetLevel(level)

	return log, cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	log, cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	a, err := agent.New(log, cfg, cfgFile)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	log.AddHook(a.LogHook())

	log.WithField("version", version.Full()).Info("Starting pgtelemetry agent")

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)

	defer signal.Stop(hup)

	for done := false; !done; {
		select {
		case <-hup:
			log.Info("Received SIGHUP, reloading config")

			if err := a.Reload(true); err != nil {
				log.WithError(err).Error("Config reload failed, keeping current settings")
			}
		case <-ctx.Done():
			done = true
		}
	}

	log.Info("Shutting down pgtelemetry agent")

	if err := a.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")

		return fmt.Errorf("stopping agent: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
