package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"livetutor/arbiter/internal/arbiter"
	"livetutor/arbiter/internal/broker"
	"livetutor/arbiter/internal/cache"
	"livetutor/arbiter/internal/change"
	"livetutor/arbiter/internal/completion"
	"livetutor/arbiter/internal/config"
	"livetutor/arbiter/internal/execgw"
	"livetutor/arbiter/internal/logger"
	"livetutor/arbiter/internal/middleware"
	"livetutor/arbiter/internal/pkg/memory"
	"livetutor/arbiter/internal/prompt"
	"livetutor/arbiter/internal/ratelimit"
	"livetutor/arbiter/internal/router"
	"livetutor/arbiter/internal/tier"
	"livetutor/arbiter/internal/transport/natsbridge"
	"livetutor/arbiter/internal/transport/ws"
	"livetutor/arbiter/internal/tutor"
	"livetutor/arbiter/internal/validate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		host  string
		port  int
		debug string
	)
	cmd := &cobra.Command{
		Use:           "arbiter",
		Short:         "Live tutor arbitration server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides PORT)")
	cmd.Flags().StringVar(&debug, "debug", "", "log level: off, low or high (overrides DEBUG)")
	return cmd
}

func run(cfg *config.Config) error {
	logger.Init(cfg.Debug)
	if err := config.PolicyError(); err != nil {
		logger.Warn("policy file ignored: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	l := cfg.Limits
	validator := validate.New(validate.Config{
		MaxCodeBytes:     l.MaxCodeBytes,
		MaxQuestionChars: l.MaxQuestionChars,
		MaxLanguageChars: l.MaxLanguageChars,
		DisplayMaxLines:  l.DisplayMaxLines,
		DisplayHeadLines: l.DisplayHeadLines,
		DisplayTailLines: l.DisplayTailLines,
	})

	backend, err := completion.New(ctx, completion.Options{
		Provider:      cfg.CompletionProvider,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiBaseURL: cfg.GeminiBaseURL,
		GeminiModel:   cfg.GeminiModel,
	})
	if err != nil {
		return err
	}

	cacheMetrics := cache.NewMetrics(reg)
	newCache := func(name string) *cache.Cache {
		return cache.New(cache.Config{Name: name, TTL: l.CacheTTL, Capacity: l.CacheCapacity}, time.Now, cacheMetrics)
	}

	tiers := tier.NewStaticResolver(tutor.ParseTier(cfg.DefaultTier), cfg.UserTiers)
	arb := arbiter.New(arbiter.Deps{
		Validator: validator,
		Tiers:     tiers,
		Changes:   change.New(time.Now),
		Limiter: ratelimit.New(ratelimit.Config{
			AutoInterval:     l.AutoInterval,
			ExplicitInterval: l.ExplicitInterval,
			CallsPerWindow:   l.CallsPerMinute,
			Window:           time.Minute,
			PermitsPerUser:   l.PermitsPerUser,
		}, time.Now),
		Explicit:  newCache("explicit"),
		Automatic: newCache("automatic"),
		Gateway:   execgw.New(backend, l.GatewayTimeout, execgw.NewMetrics(reg)),
		Prompts:   prompt.NewBuilder(validator),
		Metrics:   arbiter.NewMetrics(reg),
	})

	hub := broker.NewHub()
	pub := broker.Multi{hub}

	var bridge *natsbridge.Bridge
	if cfg.NATSURL != "" {
		nc, err := natsbridge.Connect(cfg.NATSURL, "tutor-arbiter")
		if err != nil {
			return err
		}
		defer nc.Close()
		pub = append(pub, broker.NewNATS(nc, cfg.NATSPrefix))
		bridge = natsbridge.New(nc, arb, pub, cfg.NATSPrefix)
		if err := bridge.Start(ctx); err != nil {
			return err
		}
	}

	wsServer := ws.New(arb, hub, pub, ws.Config{})
	handler := router.New(router.Deps{
		WS:       wsServer,
		Gatherer: reg,
		Stats: func() any {
			return map[string]any{"arbiter": arb.Stats(), "hub": hub.Stats()}
		},
		Auth: middleware.NewAuth(cfg.APIKey, cfg.AuthTokens),
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// State younger than the budget window still limits callers.
	watcher := memory.New(memory.Config{SoftLimit: l.HeapSoftLimit}, func() { arb.Reclaim(time.Minute) })

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if l.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, l.MaxConnections)
	}

	logger.Banner(srv.Addr, cfg.CompletionProvider, cfg.Debug)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		arb.RunJanitor(gctx, l.SweepInterval, l.IdleEvictAfter)
		return nil
	})
	g.Go(func() error {
		watcher.Run(gctx)
		return nil
	})
	if cfg.PolicyFile != "" {
		g.Go(func() error {
			// Only tiers are reloaded; limit changes need a restart.
			err := config.WatchPolicy(gctx, cfg.PolicyFile, func(p *config.PolicyFile) {
				def, users := cfg.Tiers(p)
				tiers.Reload(tutor.ParseTier(def), users)
			})
			if err != nil {
				logger.Warn("policy hot reload disabled: %v", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if bridge != nil {
			bridge.Stop()
		}
		wsServer.Wait()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
