// Package metrics exposes Prometheus instrumentation and the health
// endpoint shared by the server and sweeper processes.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	ConnectionsTotal *prometheus.CounterVec // labels: status=200|401|403|404
	SnapshotsTotal   *prometheus.CounterVec // labels: variant=cold|follow|hot|catchup
	SnapshotDur      prometheus.Histogram
	SnapshotDocs     prometheus.Histogram

	DeltasTotal    prometheus.Counter
	DeltaBytes     prometheus.Counter
	RelaySkips     prometheus.Counter // mutations for inactive anchors
	CacheWriteDur  prometheus.Histogram
	BreakerState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips   prometheus.Counter
	RPCCallsTotal  *prometheus.CounterVec // labels: action, outcome=ok|error
	GroupSends     prometheus.Counter
	GroupSendBytes prometheus.Counter

	SweepScans    prometheus.Counter
	AnchorsCooled prometheus.Counter
	AnchorsFused  prometheus.Counter // cooling cycles fused back to HEATING
	CoolingDur    prometheus.Histogram
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statesync_connected_clients",
			Help: "Currently connected websocket clients",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statesync_connections_total",
			Help: "Connection attempts by handshake status",
		}, []string{"status"}),
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statesync_snapshots_total",
			Help: "Initial-state streams served, by variant",
		}, []string{"variant"}),
		SnapshotDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statesync_snapshot_duration_seconds",
			Help:    "Initial-state stream latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
		}),
		SnapshotDocs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statesync_snapshot_documents",
			Help:    "Documents streamed per initial state",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		}),

		DeltasTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_deltas_total",
			Help: "Delta payloads dispatched to anchor groups",
		}),
		DeltaBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_delta_bytes_total",
			Help: "Encoded bytes of dispatched delta payloads",
		}),
		RelaySkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_relay_skips_total",
			Help: "Mutations skipped because the anchor was not active",
		}),
		CacheWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statesync_cache_write_duration_seconds",
			Help:    "Document cache replace latency",
			Buckets: prometheus.DefBuckets,
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statesync_cache_breaker_state",
			Help: "Document cache circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_cache_breaker_trips_total",
			Help: "Times the document cache circuit breaker tripped open",
		}),
		RPCCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statesync_rpc_calls_total",
			Help: "Channel action calls by action and outcome",
		}, []string{"action", "outcome"}),
		GroupSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_group_sends_total",
			Help: "Payloads published to delivery groups",
		}),
		GroupSendBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_group_send_bytes_total",
			Help: "Bytes published to delivery groups",
		}),

		SweepScans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_sweep_scans_total",
			Help: "Sweeper scan cycles",
		}),
		AnchorsCooled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_anchors_cooled_total",
			Help: "Anchors expired HOT to COLD",
		}),
		AnchorsFused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statesync_anchors_fused_total",
			Help: "Cooling cycles fused back to HEATING by a late joiner",
		}),
		CoolingDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statesync_cooling_duration_seconds",
			Help:    "Cache to coordination store migration latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.ConnectedClients,
		m.ConnectionsTotal,
		m.SnapshotsTotal,
		m.SnapshotDur,
		m.SnapshotDocs,
		m.DeltasTotal,
		m.DeltaBytes,
		m.RelaySkips,
		m.CacheWriteDur,
		m.BreakerState,
		m.BreakerTrips,
		m.RPCCallsTotal,
		m.GroupSends,
		m.GroupSendBytes,
		m.SweepScans,
		m.AnchorsCooled,
		m.AnchorsFused,
		m.CoolingDur,
	)

	return m
}

// HealthStatus represents process health for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected  bool
	SQLiteOK        bool
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

// CheckRedis pings the coordination store and records latency.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the document cache and records latency.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
