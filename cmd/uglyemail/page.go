package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/glimte/uglyemail-go/app"
	"github.com/glimte/uglyemail-go/background"
	"github.com/glimte/uglyemail-go/bridge"
	"github.com/glimte/uglyemail-go/interceptors"
	"github.com/glimte/uglyemail-go/mailbox"
	"github.com/glimte/uglyemail-go/messenger"
	"github.com/glimte/uglyemail-go/page"
	"github.com/glimte/uglyemail-go/transport"
	"github.com/glimte/uglyemail-go/transport/memory"
	"github.com/spf13/cobra"
)

// pageSide is a window with its messenger and bridge
type pageSide struct {
	window    *page.Window
	bridge    *bridge.Bridge
	messenger *messenger.Messenger
	closers   []func() error
}

// openPage builds the page side against dialer and waits for the bridge to
// connect or give up.
func openPage(ctx context.Context, c *cli, dialer transport.Dialer) (*pageSide, error) {
	cfg := c.cfg
	win := page.NewWindow(cfg.Page.Origin, page.WithLogger(c.logger))

	b := bridge.New(win, dialer,
		bridge.WithChannelName(cfg.Bridge.ChannelName),
		bridge.WithRetryPolicy(cfg.BridgeRetryPolicy()),
		bridge.WithLogger(c.logger.With("component", "bridge")))

	m := messenger.New(win,
		messenger.WithTimeout(cfg.Messenger.Timeout),
		messenger.WithTeardownPolicy(cfg.TeardownPolicy()),
		messenger.WithStrictErrors(cfg.Messenger.StrictErrors),
		messenger.WithLogger(c.logger.With("component", "messenger")))

	p := &pageSide{window: win, bridge: b, messenger: m}

	ready := make(chan error, 1)
	b.AddStateListener(&readyListener{ready: ready})
	if err := b.Start(ctx); err != nil {
		p.Close()
		return nil, err
	}

	select {
	case err := <-ready:
		if err != nil {
			p.Close()
			return nil, err
		}
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}
	return p, nil
}

func (p *pageSide) Close() error {
	err := errors.Join(p.messenger.Close(), p.bridge.Close())
	p.window.Close()
	for _, fn := range p.closers {
		err = errors.Join(err, fn())
	}
	return err
}

// readyListener reports the first connect, or abandonment
type readyListener struct {
	ready chan error
}

func (l *readyListener) OnConnected() {
	l.send(nil)
}

func (l *readyListener) OnDisconnected(err error) {}

func (l *readyListener) OnReconnecting(attempt int, delay time.Duration) {}

func (l *readyListener) OnAbandoned(attempts int) {
	l.send(fmt.Errorf("background process unreachable after %d attempts", attempts))
}

func (l *readyListener) send(err error) {
	select {
	case l.ready <- err:
	default:
	}
}

// pageDialer returns a dialer for the configured transport, or an
// in-process background when embedded is set.
func pageDialer(ctx context.Context, c *cli, embedded bool) (transport.Dialer, []func() error, error) {
	if !embedded {
		dialer, closeDialer, err := newDialer(ctx, c.cfg, c.logger)
		if err != nil {
			return nil, nil, err
		}
		return dialer, []func() error{closeDialer}, nil
	}

	registry := newRegistry(c.cfg, c.logger)
	var cache interceptors.ResponseCache
	if c.cfg.Background.CacheSize > 0 {
		cache = interceptors.NewMemoryCache(c.cfg.Background.CacheSize)
	}
	svc := background.NewService(registry,
		background.WithRuleSet(background.NewMemoryRuleSet()),
		background.WithInterceptors(requestChain(c, registry.Version, &interceptors.Stats{}, cache)...),
		background.WithLogger(c.logger.With("component", "background")))
	svc.OnInstalled(ctx)

	hub := memory.NewHub(memory.WithLogger(c.logger))
	sub := hub.Listen(svc.Accept)
	return hub, []func() error{
		func() error { sub.Unsubscribe(); return nil },
		svc.Close,
	}, nil
}

func newCheckCmd(c *cli) *cobra.Command {
	var embedded bool

	cmd := &cobra.Command{
		Use:   "check [BODY]",
		Short: "Check one message body for a tracking pixel",
		Long:  "Check BODY, or standard input when BODY is omitted or \"-\", for a tracking pixel.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBodyArg(cmd, args)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			dialer, closers, err := pageDialer(ctx, c, embedded)
			if err != nil {
				return err
			}
			p, err := openPage(ctx, c, dialer)
			if err != nil {
				closeAll(closers)
				return err
			}
			p.closers = closers
			defer p.Close()

			pixel, matched, err := p.messenger.Check(ctx, body)
			if err != nil {
				return err
			}
			if !matched {
				fmt.Fprintln(cmd.OutOrStdout(), "none")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), pixel)
			return nil
		},
	}
	cmd.Flags().BoolVar(&embedded, "embedded", false, "Run the background process in-process")

	return cmd
}

func newScanCmd(c *cli) *cobra.Command {
	var (
		embedded bool
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "scan DIR",
		Short: "Scan a directory of messages",
		Long: `Scan every .html, .htm and .eml file in DIR for tracking pixels and record
the results. With --watch the directory is rescanned until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			st, closeStore, err := openStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			dialer, closers, err := pageDialer(ctx, c, embedded)
			if err != nil {
				return err
			}
			p, err := openPage(ctx, c, dialer)
			if err != nil {
				closeAll(closers)
				return err
			}
			p.closers = closers

			dir := mailbox.NewDir(args[0], p.messenger, st,
				mailbox.WithLogger(c.logger))

			a := app.New(st, newRegistry(c.cfg, c.logger), dir,
				app.WithInitRetryPolicy(c.cfg.InitRetryPolicy()),
				app.WithObserveInterval(c.cfg.Observer.Interval),
				app.WithErrorInterval(c.cfg.Observer.ErrorInterval),
				app.WithLogger(c.logger),
				app.WithCloser(p))
			defer a.Close()

			if err := a.Init(ctx); err != nil {
				return err
			}

			if watch {
				<-ctx.Done()
			} else if err := a.ScanNow(); err != nil {
				return err
			}

			printResults(cmd, dir.Results())
			return nil
		},
	}
	cmd.Flags().BoolVar(&embedded, "embedded", false, "Run the background process in-process")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep rescanning until interrupted")

	return cmd
}

func newRulesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the installed network rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			rules, closeRules, err := openRuleSet(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer closeRules()

			installed, err := rules.DynamicRules(ctx)
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRIORITY\tACTION\tFILTER\tRESOURCES")
			for _, r := range installed {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
					r.ID, r.Priority, r.Action.Type, r.Condition.URLFilter,
					strings.Join(r.Condition.ResourceTypes, ","))
			}
			return w.Flush()
		},
	}
}

func printResults(cmd *cobra.Command, results []mailbox.Result) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE\tPIXEL")
	for _, r := range results {
		pixel := r.Pixel
		if !r.Tracked() {
			pixel = "none"
		}
		fmt.Fprintf(w, "%s\t%s\n", r.ID, pixel)
	}
	w.Flush()
}

func readBodyArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read body: %w", err)
	}
	return string(data), nil
}

func closeAll(fns []func() error) {
	for _, fn := range fns {
		if err := fn(); err != nil {
			fmt.Fprintln(os.Stderr, "close:", err)
		}
	}
}
