package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"tracklink/internal/config"
	"tracklink/internal/logging"
	"tracklink/internal/web"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "tracklink",
		Short:        "Cellular tracker connectivity daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./configs/tracklink.yaml", "Path to YAML config")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log.level from the config")

	root.AddCommand(newRunCmd(opts), newProbeCmd(opts), newVersionCmd())
	return root
}

// load reads the config and builds the process logger. logs, when non-nil,
// receives a copy of every log line.
func (o *rootOptions) load(stderr io.Writer, logs *web.LogBuffer) (config.Config, *log.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config load failed: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	w := stderr
	if logs != nil {
		w = io.MultiWriter(stderr, logs)
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: w})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Bring up the link and session and publish telemetry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logs := web.NewLogBuffer(2000)
			cfg, logger, err := opts.load(cmd.ErrOrStderr(), logs)
			if err != nil {
				return err
			}
			log.SetDefault(logger)

			rt, err := newLiveRuntime(cfg, logger, logs)
			if err != nil {
				return err
			}
			logger.Info("tracklink starting", "version", version, "device", cfg.Serial.Device, "broker", cfg.Session.Broker)
			runErr := rt.Run(cmd.Context())

			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			rt.Close(closeCtx)
			logger.Info("tracklink stopped")
			return runErr
		},
	}
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var (
		commands []string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send diagnostic commands to the modem and print the replies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(commands) == 0 {
				return fmt.Errorf("at least one --command is required")
			}
			if timeout <= 0 {
				return fmt.Errorf("--timeout must be > 0")
			}
			cfg, logger, err := opts.load(cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			return probe(cmd.Context(), cfg, logger, commands, timeout, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringArrayVar(&commands, "command", []string{"ATI", "AT+CSQ", "AT+CREG?"}, "Command to send (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Per-command timeout")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tracklink %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
