package prefork

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	restartCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prefork_worker_restart_total",
			Help: "Total number of worker replacements, by reason.",
		},
		[]string{"reason"},
	)
	crashCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prefork_worker_crash_total",
			Help: "Total number of workers that exited without being asked to.",
		},
	)
	heartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prefork_heartbeat_timeout_total",
			Help: "Total number of workers that stopped answering heartbeats.",
		},
	)
	spawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prefork_spawn_failure_total",
			Help: "Total number of failed worker spawn attempts.",
		},
	)
	workersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefork_workers",
			Help: "Number of live worker handles in the pool.",
		},
	)
	uptimeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prefork_uptime_seconds",
			Help: "Master uptime in seconds.",
		},
	)
)

func init() {
	prometheus.MustRegister(restartCounter, crashCounter, heartbeatTimeouts, spawnFailures, workersGauge, uptimeGauge)
}

type workersResponse struct {
	Terminating bool           `json:"terminating"`
	Desired     int            `json:"desired"`
	Workers     []WorkerStatus `json:"workers"`
}

func (s *Supervisor) controlHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		workers, terminating, ok := s.snapshot()
		if !ok {
			http.Error(w, "supervisor stopped", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workersResponse{
			Terminating: terminating,
			Desired:     s.cfg.Workers,
			Workers:     workers,
		})
	})
	mux.HandleFunc("/workers/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.Reload("manual") {
			http.Error(w, "supervisor stopped", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("Worker reload initiated"))
	})
	return mux
}

// serveMetrics runs the metrics/control endpoint until ctx is done.
func (s *Supervisor) serveMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				uptimeGauge.Set(time.Since(s.startTime).Seconds())
			case <-ctx.Done():
				return
			}
		}
	}()
	server := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           s.controlHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("Metrics/health and control endpoints listening", slog.String("addr", s.cfg.MetricsAddr))
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server ListenAndServe error", slog.String("err", err.Error()))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("Metrics server shutdown error", slog.String("err", err.Error()))
	} else {
		s.log.Info("Metrics server shut down cleanly")
	}
}
