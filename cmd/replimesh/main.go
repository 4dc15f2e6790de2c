// replimesh is the federated document replication instance and its admin tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/replimesh/replimesh/internal/app"
	"github.com/replimesh/replimesh/internal/config"
	"github.com/replimesh/replimesh/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "replimesh",
		Short: "replimesh - federated document replication",
		Long: `replimesh links independent document repositories into a federation and
replicates changes between them over signed HTTP calls.

QUICK START:

  # Run the instance
  replimesh serve --config /etc/replimesh/replimesh.yaml

  # Ask a peer to link with us, then let the peer accept
  replimesh instances register https://wiki-b.example.com
  replimesh instances accept https://wiki-a.example.com   # on wiki-b

  # Catch up on what a peer sent while we were away
  replimesh recover --from 2026-01-02T00:00:00Z

For more help on any command, use: replimesh <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().Bool("service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication instance",
		Long: `Serve the replication endpoints and deliver queued messages until interrupted.

Send SIGHUP to queue again the inbound messages whose handler gave up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfgFile)
		},
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newInstancesCmd())
	rootCmd.AddCommand(newMessagesCmd())
	rootCmd.AddCommand(newRecoverCmd())
	rootCmd.AddCommand(newContentCmd())
	rootCmd.AddCommand(newServiceCmd())
	return rootCmd
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "replimesh %s\n", Version)
	_, _ = fmt.Fprintf(w, "  Commit:     %s\n", Commit)
	_, _ = fmt.Fprintf(w, "  Built:      %s\n", BuildTime)
	_, _ = fmt.Fprintf(w, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads path, or the platform default when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = svc.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	// an explicit --log-level wins over the file
	if logLevel == "info" && config.ApplyLogLevel(cfg.LogLevel) {
		log.Debug().Str("level", cfg.LogLevel).Msg("log level configured")
	}
	return cfg, nil
}

func openNode(ctx context.Context, path string) (*app.Node, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, app.Options{Config: cfg, Version: Version, Logger: log.Logger})
}

func runServe(ctx context.Context, configPath string) error {
	node, err := openNode(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	log.Info().
		Str("version", Version).
		Str("instance", node.Config.Instance.URI).
		Str("data_dir", node.Config.DataDir).
		Msg("starting replimesh")

	if err := node.Start(ctx); err != nil {
		return err
	}
	if err := node.AnnounceInstance(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to announce instance")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if _, err := node.Redrive(ctx); err != nil {
				log.Error().Err(err).Msg("redrive failed")
			}
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			stopCtx, cancel := context.WithTimeout(context.Background(), node.Config.ShutdownTimeoutDuration()+5*time.Second)
			defer cancel()
			return node.Stop(stopCtx)
		}
	}
}

// withNode opens the instance for a one-shot command. The queues run while fn does
// when startQueues is set; the endpoints are served too when serve is set.
func withNode(cmd *cobra.Command, startQueues, serve bool, fn func(ctx context.Context, node *app.Node) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := openNode(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	switch {
	case serve:
		err = node.Start(ctx)
	case startQueues:
		err = node.StartQueues(ctx)
	}
	if err != nil {
		return err
	}

	runErr := fn(ctx, node)

	stopCtx, cancel := context.WithTimeout(context.Background(), node.Config.ShutdownTimeoutDuration())
	defer cancel()
	return errors.Join(runErr, node.Stop(stopCtx))
}

// runAsService is the entry point when the service manager starts us.
func runAsService() {
	setupServiceLogging()

	configPath := ""
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	log.Info().Str("config", configPath).Str("version", Version).Msg("starting as service")

	prg := &svc.Program{ConfigPath: configPath, Run: runServe}
	if err := svc.Run(prg, &svc.Config{ConfigPath: configPath}); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

// setupServiceLogging logs to stderr without colors; the service manager collects it.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, TimeFormat: time.RFC3339})
}
