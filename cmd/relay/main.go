// Command relay talks to local and cloud language models and lets them call
// tools exposed by external tool servers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/toolrelay/relay/config"
	"github.com/ZanzyTHEbar/toolrelay/relay/generation/ai"
)

var (
	cfgPath  string
	logLevel string
	cfg      *config.Config
	logger   zerolog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Chat with local or cloud models that can call external tools",
		Long: `relay picks a model backend (on-device, Ollama or Anthropic), connects
to the configured tool servers and runs tool-calling conversations.

Check backends:      relay probe
Register a server:   relay servers add --name files --command npx --arg @modelcontextprotocol/server-filesystem --arg /tmp
Start chatting:      relay chat`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.config/toolrelay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(serversCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(modelCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	cfg = loaded
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger = newLogger(cfg.Log)
	return nil
}

func newLogger(lc config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(lc.Level))
	if err != nil || lc.Level == "" {
		level = zerolog.WarnLevel
	}
	var l zerolog.Logger
	if lc.Pretty {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(level).With().Timestamp().Logger()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openService(ctx context.Context) (*ai.Service, error) {
	var opts []ai.Option
	if cfg.Harness.MetricsEnabled {
		opts = append(opts, ai.WithRegisterer(prometheus.DefaultRegisterer))
	}
	svc, err := ai.NewService(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start: %w", err)
	}
	return svc, nil
}
