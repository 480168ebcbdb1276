package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"catequiz.org/internal/app"
	"catequiz.org/internal/config"
	"catequiz.org/internal/httpapi"
	"catequiz.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const sweepInterval = 15 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to the YAML config (defaults to $"+config.EnvFile+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	obs.Init()
	obs.SetLevel(cfg.Log.Level)
	obs.InitBuildInfo(obs.ResolveBuildInfo(version, commit, cfg.Storage.Backend))

	store, err := app.OpenStore(cfg.Storage)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	deps, err := app.Build(cfg, store, nil)
	if err != nil {
		log.Fatalf("wire services: %v", err)
	}

	probe := httpapi.ReadyProbe{Store: store}
	api := httpapi.New(probe, version, deps,
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// question generation can take most of a minute
		WriteTimeout: cfg.AI.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	obs.Log("info", "starting catequiz-api", map[string]any{
		"version": version,
		"addr":    srv.Addr,
		"grpc":    cfg.HTTP.GRPCAddr,
		"backend": cfg.Storage.Backend,
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.HTTP.GRPCAddr != "" {
		health := httpapi.NewGRPCServer(probe)
		gs := grpc.NewServer()
		health.Register(gs)
		lis, err := net.Listen("tcp", cfg.HTTP.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		g.Go(func() error { return gs.Serve(lis) })
		g.Go(func() error {
			health.Run(ctx, 10*time.Second)
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			health.Shutdown()
			gs.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-t.C:
				if _, err := deps.Quiz.SweepAll(ctx, now); err != nil {
					obs.Log("warn", "expiry sweep failed", map[string]any{"error": err})
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		obs.Log("info", "shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		obs.Log("error", "server stopped", map[string]any{"error": err})
		os.Exit(1)
	}
	obs.Log("info", "stopped", nil)
}
