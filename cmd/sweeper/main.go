// Standalone cache sweeper. By default it loops forever expiring idle
// anchors; the flags run one-shot maintenance against a channel instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"statesync/config"
	"statesync/internal/demo"
	"statesync/internal/logger"
	"statesync/internal/metrics"
	"statesync/internal/schema"
	"statesync/internal/source"
	"statesync/internal/store/redis"
	"statesync/internal/store/sqlite"
	"statesync/internal/sweeper"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("statesync-sweeper", slog.LevelInfo)

	var (
		scan    = flag.Bool("scan", false, "list stale anchors without expiring them")
		clear   = flag.String("clear", "", "expire one anchor now, as channel/anchor")
		initCh  = flag.String("init", "", "wipe all coordination and cache state of a channel")
		channel = flag.String("channel", "chat", "channel for -scan")
	)
	flag.Parse()

	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord, err := redis.New(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Fatalf("[sweeper] coordination store: %v", err)
	}
	defer coord.Close()

	cache, err := sqlite.New(sqlite.Config{Path: cfg.CacheDBPath, MaxDocBytes: cfg.MaxDocBytes})
	if err != nil {
		log.Fatalf("[sweeper] document cache: %v", err)
	}
	defer cache.Close()

	// No mutation path runs here, so the channel actions stay disabled.
	if _, err := demo.RegisterChat(source.NewMemStore(), nil, cfg.CacheTTL); err != nil {
		log.Fatalf("[sweeper] register channels: %v", err)
	}

	sw := sweeper.New(coord, cache, cfg.SweepInterval, nil)

	switch {
	case *scan:
		ch := mustChannel(*channel)
		stale, err := sw.ScanStale(ctx, ch)
		if err != nil {
			log.Fatalf("[sweeper] scan %s: %v", ch.Name, err)
		}
		for _, anchorID := range stale {
			fmt.Printf("%s/%s\n", ch.Name, anchorID)
		}
		log.Printf("[sweeper] %d stale anchors in %s", len(stale), ch.Name)

	case *clear != "":
		chName, anchorID, ok := splitAnchor(*clear)
		if !ok {
			log.Fatalf("[sweeper] -clear wants channel/anchor, got %q", *clear)
		}
		if err := sw.ClearCache(ctx, mustChannel(chName), anchorID); err != nil {
			log.Fatalf("[sweeper] clear %s: %v", *clear, err)
		}

	case *initCh != "":
		if err := sw.InitChannel(ctx, mustChannel(*initCh)); err != nil {
			log.Fatalf("[sweeper] init %s: %v", *initCh, err)
		}
		log.Printf("[sweeper] channel %s reset", *initCh)

	default:
		m := metrics.NewMetrics()
		sw = sweeper.New(coord, cache, cfg.SweepInterval, m)

		health := metrics.NewHealthStatus()
		health.CheckRedis(ctx, coord.Redis())
		health.CheckSQLite(ctx, cache.DB())
		health.StartLivenessChecker(ctx, coord.Redis(), cache.DB(), 15*time.Second)
		msrv := metrics.NewServer(cfg.MetricsAddr, health)
		msrv.Start()
		defer msrv.Stop(context.Background())

		sw.Run(ctx)
	}
}

func mustChannel(name string) *schema.Channel {
	ch := schema.Lookup(name)
	if ch == nil {
		log.Fatalf("[sweeper] unknown channel %q", name)
	}
	return ch
}

func splitAnchor(s string) (channel, anchorID string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], i > 0 && i < len(s)-1
		}
	}
	return "", "", false
}
