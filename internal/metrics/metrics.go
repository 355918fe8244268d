// Package metrics exposes Prometheus counters/histograms/gauges for
// the ingestion daemon plus a /healthz + /metrics HTTP server: a
// struct of registered collectors and a small mutex-guarded health
// snapshot.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingestion daemon.
type Metrics struct {
	CandlesUpsertedTotal *prometheus.CounterVec
	FetchErrorsTotal     *prometheus.CounterVec
	RateLimitWaitSeconds prometheus.Histogram
	RateLimit429Total    prometheus.Counter

	GapsDetectedTotal *prometheus.CounterVec
	GapsRepairedTotal *prometheus.CounterVec

	WSReconnectsTotal *prometheus.CounterVec
	WSMessagesTotal   *prometheus.CounterVec

	JobsTotal       *prometheus.CounterVec
	JobDurationSecs *prometheus.HistogramVec

	PersisterQueueDepth   prometheus.Gauge
	PersisterDroppedTotal prometheus.Counter
	BatchFlushSeconds     prometheus.Histogram
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		CandlesUpsertedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_candles_upserted_total",
			Help: "Total candles written to the store, by symbol and timeframe",
		}, []string{"symbol", "timeframe"}),
		FetchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_fetch_errors_total",
			Help: "Total upstream fetch errors, by symbol and timeframe",
		}, []string{"symbol", "timeframe"}),
		RateLimitWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the global rate limiter's spacing gate",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimit429Total: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_rate_limit_429_total",
			Help: "Total 429 responses observed from upstream",
		}),

		GapsDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_gaps_detected_total",
			Help: "Total gaps detected, by symbol and timeframe",
		}, []string{"symbol", "timeframe"}),
		GapsRepairedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_gaps_repaired_total",
			Help: "Total gaps successfully repaired, by symbol and timeframe",
		}, []string{"symbol", "timeframe"}),

		WSReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts, by shard",
		}, []string{"shard"}),
		WSMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_ws_messages_total",
			Help: "Total WebSocket candle messages received, by symbol and timeframe",
		}, []string{"symbol", "timeframe"}),

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestd_jobs_total",
			Help: "Total ingestion jobs, by type and outcome",
		}, []string{"job_type", "status"}),
		JobDurationSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestd_job_duration_seconds",
			Help:    "Ingestion job duration, by type",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type"}),

		PersisterQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingestd_persister_queue_depth",
			Help: "Current depth of the batched persister's input channel",
		}),
		PersisterDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestd_persister_dropped_total",
			Help: "Candles dropped because the persister's input channel was full",
		}),
		BatchFlushSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingestd_batch_flush_duration_seconds",
			Help:    "Time taken to flush a batch of candles to the store",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.CandlesUpsertedTotal,
		m.FetchErrorsTotal,
		m.RateLimitWaitSeconds,
		m.RateLimit429Total,
		m.GapsDetectedTotal,
		m.GapsRepairedTotal,
		m.WSReconnectsTotal,
		m.WSMessagesTotal,
		m.JobsTotal,
		m.JobDurationSecs,
		m.PersisterQueueDepth,
		m.PersisterDroppedTotal,
		m.BatchFlushSeconds,
	)

	return m
}

// HealthStatus represents the system health exposed at /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	StoreOK      bool      `json:"store_ok"`
	WSConnected  bool      `json:"ws_connected"`
	LastCandleAt time.Time `json:"last_candle_at"`
	StoreLatency float64   `json:"store_latency_ms"`
	LastCheckAt  time.Time `json:"last_check_at"`
	StartedAt    time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetStoreOK(v bool) {
	h.mu.Lock()
	h.StoreOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleAt(t time.Time) {
	h.mu.Lock()
	h.LastCandleAt = t
	h.mu.Unlock()
}

// Pinger is satisfied by any store whose connectivity can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckStore pings the store and records latency + connectivity.
func (h *HealthStatus) CheckStore(ctx context.Context, p Pinger) {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatency = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is
// cancelled.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, p Pinger, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if p != nil {
					h.CheckStore(probeCtx, p)
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
	if !h.StoreOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	} else if !h.WSConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	candleAge := ""
	if !h.LastCandleAt.IsZero() {
		candleAge = time.Since(h.LastCandleAt).Round(time.Millisecond).String()
	}

	status := struct {
		Status       string  `json:"status"`
		Uptime       string  `json:"uptime"`
		StoreOK      bool    `json:"store_ok"`
		StoreLatency float64 `json:"store_latency_ms"`
		WSConnected  bool    `json:"ws_connected"`
		LastCandleAt string  `json:"last_candle_at"`
		CandleAge    string  `json:"candle_age"`
		LastCheckAt  string  `json:"last_check_at"`
	}{
		Status:       overallStatus,
		Uptime:       time.Since(h.StartedAt).Round(time.Second).String(),
		StoreOK:      h.StoreOK,
		StoreLatency: h.StoreLatency,
		WSConnected:  h.WSConnected,
		LastCandleAt: h.LastCandleAt.Format(time.RFC3339),
		CandleAge:    candleAge,
		LastCheckAt:  h.LastCheckAt.Format(time.RFC3339),
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
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
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
