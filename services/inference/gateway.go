package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AJDIGITALllc/worksie/pkg/bucketing"
	"github.com/AJDIGITALllc/worksie/pkg/registry"
	"github.com/AJDIGITALllc/worksie/pkg/structlog"
)

var (
	mModelServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worksie",
			Subsystem: "inference",
			Name:      "model_served_total",
			Help:      "Predictions served, by model version.",
		},
		[]string{"model_version"},
	)
	mPredictDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "worksie",
			Subsystem: "inference",
			Name:      "predict_duration_seconds",
			Help:      "End-to-end /predict latency.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Executor runs a model version against a feature vector. Actual model
// execution lives in the serving runtime; the gateway only routes, so the
// default executor is a deterministic stand-in.
type Executor interface {
	Predict(ctx context.Context, modelVersion string, features []float64) (float64, error)
}

// stubExecutor scores with a fixed logistic over the feature sum. It is
// deterministic per input, which is all the routing tests need.
type stubExecutor struct{}

func (stubExecutor) Predict(_ context.Context, _ string, features []float64) (float64, error) {
	var sum float64
	for _, f := range features {
		sum += f
	}
	return 1.0 / (1.0 + math.Exp(-sum)), nil
}

type gateway struct {
	snapshots SnapshotSource
	executor  Executor
	latencies *LatencyRecorder
	logger    *structlog.Logger
}

type predictRequest struct {
	CallerID string    `json:"callerId"`
	Features []float64 `json:"features"`
}

type predictResponse struct {
	ModelVersion string  `json:"modelVersion"`
	Score        float64 `json:"score"`
	ElapsedMs    float64 `json:"elapsedMs"`
}

func (g *gateway) routes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/predict", g.handlePredict)
	mux.HandleFunc("/synthetic", g.handleSynthetic)
}

func (g *gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (g *gateway) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	callerID := req.CallerID
	if callerID == "" {
		callerID = r.Header.Get("X-Caller-Id")
	}
	if callerID == "" {
		http.Error(w, "callerId required", http.StatusBadRequest)
		return
	}

	snap, err := g.snapshots.Active(r.Context())
	if err != nil {
		if errors.Is(err, registry.ErrNoActiveModel) {
			http.Error(w, "No active model", http.StatusServiceUnavailable)
			return
		}
		g.logger.Error(r.Context(), "snapshot resolve failed", structlog.Fields{"error": err.Error()})
		http.Error(w, "Registry unavailable", http.StatusServiceUnavailable)
		return
	}

	version := bucketing.SelectVersion(callerID, snap)
	score, err := g.executor.Predict(r.Context(), version, req.Features)
	if err != nil {
		g.logger.Error(r.Context(), "prediction failed", structlog.Fields{
			"model_version": version,
			"error":         err.Error(),
		})
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	elapsed := time.Since(start)
	mModelServed.WithLabelValues(version).Inc()
	mPredictDuration.Observe(elapsed.Seconds())
	g.recordLatency(r.Context(), version, elapsed)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(predictResponse{
		ModelVersion: version,
		Score:        score,
		ElapsedMs:    float64(elapsed.Microseconds()) / 1000.0,
	})
}

// handleSynthetic exercises the full routing path with a fixed caller so
// uptime checks measure real serving latency without touching user traffic.
func (g *gateway) handleSynthetic(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	snap, err := g.snapshots.Active(r.Context())
	if err != nil {
		http.Error(w, "Registry unavailable", http.StatusServiceUnavailable)
		return
	}
	version := bucketing.SelectVersion("synthetic-probe", snap)
	if _, err := g.executor.Predict(r.Context(), version, []float64{0.5, 0.5}); err != nil {
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	elapsed := time.Since(start)
	g.recordLatency(r.Context(), version, elapsed)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ok":           true,
		"modelVersion": version,
		"elapsedMs":    float64(elapsed.Microseconds()) / 1000.0,
	})
}

func (g *gateway) recordLatency(ctx context.Context, version string, elapsed time.Duration) {
	if g.latencies == nil {
		return
	}
	ms := float64(elapsed.Microseconds()) / 1000.0
	if err := g.latencies.Record(ctx, version, ms); err != nil {
		g.logger.Warn(ctx, "latency sample dropped", structlog.Fields{"error": err.Error()})
	}
}
