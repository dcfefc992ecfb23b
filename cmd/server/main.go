package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"statesync/config"
	"statesync/internal/auth"
	"statesync/internal/delta"
	"statesync/internal/demo"
	"statesync/internal/gateway"
	"statesync/internal/loader"
	"statesync/internal/logger"
	"statesync/internal/metrics"
	"statesync/internal/source"
	"statesync/internal/store/redis"
	"statesync/internal/store/sqlite"
	"statesync/internal/sweeper"
	"statesync/internal/txn"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	lg := logger.Init("statesync-server", slog.LevelInfo)

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatal("[server] JWT_SECRET is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord, err := redis.New(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Fatalf("[server] coordination store: %v", err)
	}
	defer coord.Close()

	cache, err := sqlite.New(sqlite.Config{Path: cfg.CacheDBPath, MaxDocBytes: cfg.MaxDocBytes})
	if err != nil {
		log.Fatalf("[server] document cache: %v", err)
	}
	defer cache.Close()

	m := metrics.NewMetrics()
	authMgr := auth.NewManager(cfg.JWTSecret)
	hub := gateway.NewHub(authMgr, coord, loader.New(coord, cache), m)

	writer := delta.NewWriter(coord, cache, hub.Router())
	writer.SetMetrics(m)
	writer.Breaker().OnStateChange = func(from, to delta.BreakerState) {
		m.BreakerState.Set(float64(to))
		if to == delta.BreakerOpen {
			m.BreakerTrips.Inc()
		}
		log.Printf("[server] cache breaker %s -> %s", from, to)
	}

	src := source.NewMemStore()
	bc := txn.NewBroadcaster(coord, src, writer)
	if _, err := demo.RegisterChat(src, bc, cfg.CacheTTL); err != nil {
		log.Fatalf("[server] register channels: %v", err)
	}

	go hub.Run(ctx)
	go sweeper.New(coord, cache, cfg.SweepInterval, m).Run(ctx)

	health := metrics.NewHealthStatus()
	health.CheckRedis(ctx, coord.Redis())
	health.CheckSQLite(ctx, cache.DB())
	health.StartLivenessChecker(ctx, coord.Redis(), cache.DB(), 15*time.Second)

	msrv := metrics.NewServer(cfg.MetricsAddr, health)
	msrv.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", hub.ServeWS)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go func() {
		lg.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[server] listen: %v", err)
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	msrv.Stop(shutdownCtx)
}
