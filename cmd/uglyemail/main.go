package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/uglyemail-go/config"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cli holds the state shared by every command
type cli struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{cfg: config.Default()}

	rootCmd := &cobra.Command{
		Use:   "uglyemail",
		Short: "Detect tracking pixels in email",
		Long: `uglyemail relays tracking-pixel checks from a mail page to a background
process that matches message bodies against a tracker signature database.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Path to a YAML configuration file")
	flags.String("log-level", c.cfg.Log.Level, "Log level (debug, info, warn, error)")
	flags.String("log-format", c.cfg.Log.Format, "Log format (text, json)")
	flags.StringP("transport", "t", c.cfg.Transport.Kind, "Channel transport (websocket, amqp)")
	flags.String("server-url", c.cfg.Transport.ServerURL, "Websocket address of the background process")
	flags.StringP("url", "u", c.cfg.Transport.AMQPURL, "RabbitMQ connection URL")
	flags.String("store", c.cfg.Store.Kind, "Store backend (memory, redis)")
	flags.String("redis-addr", c.cfg.Store.RedisAddr, "Redis address")
	flags.String("signatures", "", "Tracker signature file (defaults to the embedded database)")

	rootCmd.AddCommand(
		newBackgroundCmd(c),
		newCheckCmd(c),
		newScanCmd(c),
		newRulesCmd(c),
		newStatusCmd(c),
	)
	return rootCmd
}

// load reads the configuration, then applies the flags set on the command line
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	overrides := map[string]*string{
		"log-level":  &cfg.Log.Level,
		"log-format": &cfg.Log.Format,
		"transport":  &cfg.Transport.Kind,
		"server-url": &cfg.Transport.ServerURL,
		"url":        &cfg.Transport.AMQPURL,
		"store":      &cfg.Store.Kind,
		"redis-addr": &cfg.Store.RedisAddr,
		"signatures": &cfg.Trackers.Signatures,
	}
	for name, dst := range overrides {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = cfg.NewLogger(os.Stderr)
	slog.SetDefault(c.logger)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
