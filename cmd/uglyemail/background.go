package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/glimte/uglyemail-go/background"
	"github.com/glimte/uglyemail-go/config"
	"github.com/glimte/uglyemail-go/health"
	"github.com/glimte/uglyemail-go/interceptors"
	"github.com/glimte/uglyemail-go/store"
	"github.com/glimte/uglyemail-go/transport/amqp"
	"github.com/glimte/uglyemail-go/transport/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
)

func newBackgroundCmd(c *cli) *cobra.Command {
	var (
		listen    string
		installed bool
	)

	cmd := &cobra.Command{
		Use:   "background",
		Short: "Run the background process",
		Long: `Serve channels from mail pages and answer tracking-pixel checks.
With the websocket transport pages connect to --listen; with amqp the process
consumes the channel queue on the broker. Health endpoints are served on
--listen in both cases.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("listen") {
				c.cfg.Transport.ListenAddr = listen
			}

			ctx, cancel := signalContext()
			defer cancel()

			checks := health.NewRegistry()
			checks.SetMetadata("version", version)
			checks.Register(health.NewRuntimeChecker(500, 1000))

			var rules background.RuleSet = background.NewMemoryRuleSet()
			var cache interceptors.ResponseCache
			if c.cfg.Background.CacheSize > 0 {
				cache = interceptors.NewMemoryCache(c.cfg.Background.CacheSize)
			}
			if c.cfg.Store.Kind == config.StoreRedis {
				rdb, err := dialRedis(ctx, c.cfg)
				if err != nil {
					return err
				}
				defer rdb.Close()
				rules = store.NewRedisRules(rdb, store.WithKeyPrefix(c.cfg.Store.Prefix))
				if cache != nil {
					cache = store.NewRedisCache(rdb, c.cfg.Background.CacheTTL, store.WithKeyPrefix(c.cfg.Store.Prefix))
				}
				checks.Register(health.NewRedisChecker(rdb))
			}

			registry := newRegistry(c.cfg, c.logger)
			checks.Register(health.NewSignaturesChecker(registry))

			stats := &interceptors.Stats{}
			svc := background.NewService(registry,
				background.WithRuleSet(rules),
				background.WithInterceptors(requestChain(c, registry.Version, stats, cache)...),
				background.WithLogger(c.logger.With("component", "background")))
			defer svc.Close()
			checks.Register(health.NewComponentChecker("channels", func(ctx context.Context) (health.Status, string, map[string]any, error) {
				n := svc.ActiveChannels()
				return health.StatusHealthy, fmt.Sprintf("%d open", n), map[string]any{"channels": n}, nil
			}))

			checks.Register(health.NewComponentChecker("requests", func(ctx context.Context) (health.Status, string, map[string]any, error) {
				snap := stats.Snapshot()
				return health.StatusHealthy, fmt.Sprintf("%d answered", snap.Requests), map[string]any{
					"requests":        snap.Requests,
					"matched":         snap.Matched,
					"failed":          snap.Failed,
					"mean_latency_ms": snap.MeanLatency.Milliseconds(),
				}, nil
			}))

			if installed {
				svc.OnInstalled(ctx)
			} else {
				svc.OnStartup(ctx)
			}

			router := chi.NewRouter()
			health.Mount(router, checks, 5*time.Second)

			switch c.cfg.Transport.Kind {
			case config.TransportAMQP:
				cm, err := connectAMQP(ctx, c.cfg, c.logger)
				if err != nil {
					return err
				}
				defer cm.Close()

				srv := amqp.NewServer(cm, c.cfg.Bridge.ChannelName, svc.Accept,
					amqp.WithServerLogger(c.logger.With("component", "amqp")))
				if err := srv.Start(ctx); err != nil {
					return fmt.Errorf("failed to start amqp server: %w", err)
				}
				defer srv.Close()

				queue := amqp.QueueName(amqp.DefaultQueuePrefix, c.cfg.Bridge.ChannelName)
				checks.Register(health.NewAMQPChecker(cm, queue))
				c.logger.Info("consuming", "queue", queue)

			default:
				origins := c.cfg.Transport.AllowedOrigins
				if len(origins) == 0 {
					origins = []string{c.cfg.Page.Origin}
				}
				srv := websocket.NewServer(svc.Accept,
					websocket.WithAllowedOrigins(origins...),
					websocket.WithServerLogger(c.logger.With("component", "websocket")))
				defer srv.Close()
				router.Mount("/", srv.Handler())
			}

			return serve(ctx, c, router)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", c.cfg.Transport.ListenAddr, "HTTP listen address")
	cmd.Flags().BoolVar(&installed, "installed", true, "Run the install hook (network rule) instead of the startup hook")

	return cmd
}

// requestChain builds the interceptors wrapped around every check request.
// A nil cache disables answer caching.
func requestChain(c *cli, version func() string, stats *interceptors.Stats, cache interceptors.ResponseCache) []interceptors.Interceptor {
	logger := c.logger.With("component", "requests")
	chain := []interceptors.Interceptor{
		interceptors.NewRecoveryInterceptor(logger),
		interceptors.NewLoggingInterceptor(logger),
		interceptors.NewMetricsInterceptor(stats),
		interceptors.NewValidationInterceptor(c.cfg.Background.MaxBodyBytes),
	}
	if cache != nil {
		chain = append(chain, interceptors.NewCachingInterceptor(cache, version).WithLogger(logger))
	}
	return append(chain, interceptors.NewTimeoutInterceptor(c.cfg.Background.ProcessTimeout))
}

// serve runs the HTTP server until ctx ends
func serve(ctx context.Context, c *cli, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              c.cfg.Transport.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	c.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
