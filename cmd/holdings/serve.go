package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"holdingsitems/internal/queue"
	"holdingsitems/internal/reconcile"
	"holdingsitems/internal/store"
	"holdingsitems/internal/supersede"
	"holdingsitems/internal/telemetry"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and relay the outbox to Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, serveMigrate)
		if err != nil {
			return err
		}
		defer st.Close()

		tel, err := telemetry.Init(ctx, log, cfg.OTel)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(shutdownCtx)
		}()
		hooks, err := tel.Hooks()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}

		policy, err := reconcile.ParseCrossIssuePolicy(cfg.Reconcile.CrossIssuePolicy)
		if err != nil {
			return err
		}
		resolver := supersede.NewResolver(st, log)
		svc := reconcile.NewService(st, reconcile.Options{
			Suppliers: cfg.Queue.Suppliers,
			Policy:    policy,
			Resolver:  resolver,
			Hooks:     hooks,
			Logger:    log,
		})

		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           newRouter(svc, resolver, tel),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info("starting holdings items service", "addr", cfg.HTTP.Addr, "driver", cfg.Database.Driver)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		if cfg.Redis.Addr != "" {
			g.Go(func() error { return runRelay(gctx, st) })
		} else {
			log.Warn("redis.addr not set; outbox jobs stay pending")
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply the schema before serving")
}

func newRouter(svc reconcile.Service, resolver *supersede.Resolver, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/metrics", tel.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.HTTP.RateLimit > 0 {
				r.Use(reconcile.RateLimit(rate.NewLimiter(rate.Limit(cfg.HTTP.RateLimit), cfg.HTTP.RateBurst)))
			}
			reconcile.NewHandler(svc).Routes(r)
		})
		supersede.NewHandler(resolver).Routes(r)
	})
	return r
}

// newRelay connects to Redis and returns a relay from the outbox of st.
func newRelay(ctx context.Context, st store.Store) (*queue.Relay, func() error, error) {
	dispatcher, err := queue.NewRedisDispatcher(ctx, cfg.Redis.Addr, cfg.Redis.KeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	relay := queue.NewRelay(st, dispatcher, log, queue.RelayOptions{
		Batch:     cfg.Queue.RelayBatch,
		Interval:  cfg.Queue.RelayInterval,
		PerSecond: cfg.Queue.RelayRate,
	})
	return relay, dispatcher.Close, nil
}

// runRelay drains the outbox of st into Redis until ctx is cancelled.
func runRelay(ctx context.Context, st store.Store) error {
	relay, closeFn, err := newRelay(ctx, st)
	if err != nil {
		return err
	}
	defer closeFn()
	log.Info("outbox relay started", "redis", cfg.Redis.Addr)
	return relay.Run(ctx)
}
