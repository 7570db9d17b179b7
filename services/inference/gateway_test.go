package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
	"github.com/AJDIGITALllc/worksie/pkg/structlog"
)

type staticSnapshots struct {
	snap registry.Snapshot
	err  error
}

func (s staticSnapshots) Active(context.Context) (registry.Snapshot, error) {
	return s.snap, s.err
}

func newTestGateway(src SnapshotSource) *http.ServeMux {
	gw := &gateway{
		snapshots: src,
		executor:  stubExecutor{},
		logger:    structlog.NewLogger("test", structlog.LevelError, io.Discard),
	}
	mux := http.NewServeMux()
	gw.routes(mux)
	return mux
}

func TestPredictRoutesByRollout(t *testing.T) {
	mux := newTestGateway(staticSnapshots{
		snap: registry.Snapshot{ModelID: "m2", RolloutRatio: 1.0, PrevModelID: "m1"},
	})

	body, _ := json.Marshal(predictRequest{CallerID: "caller-1", Features: []float64{0.1, 0.2}})
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp predictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m2", resp.ModelVersion)
	assert.Greater(t, resp.Score, 0.0)
}

func TestPredictStablePerCaller(t *testing.T) {
	mux := newTestGateway(staticSnapshots{
		snap: registry.Snapshot{ModelID: "m2", RolloutRatio: 0.5, PrevModelID: "m1"},
	})

	serve := func(caller string) string {
		body, _ := json.Marshal(predictRequest{CallerID: caller, Features: []float64{1}})
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp predictResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.ModelVersion
	}

	first := serve("caller-x")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, serve("caller-x"), "caller assignment must not flicker")
	}
}

func TestPredictCallerFromHeader(t *testing.T) {
	mux := newTestGateway(staticSnapshots{
		snap: registry.Snapshot{ModelID: "m2", RolloutRatio: 1.0},
	})

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte(`{"features":[1]}`)))
	req.Header.Set("X-Caller-Id", "header-caller")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPredictRequiresCaller(t *testing.T) {
	mux := newTestGateway(staticSnapshots{
		snap: registry.Snapshot{ModelID: "m2", RolloutRatio: 1.0},
	})

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte(`{"features":[1]}`)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictNoActiveModel(t *testing.T) {
	mux := newTestGateway(staticSnapshots{err: registry.ErrNoActiveModel})

	body, _ := json.Marshal(predictRequest{CallerID: "c", Features: []float64{1}})
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictRegistryUnavailable(t *testing.T) {
	mux := newTestGateway(staticSnapshots{err: errors.New("db down")})

	body, _ := json.Marshal(predictRequest{CallerID: "c"})
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSyntheticProbe(t *testing.T) {
	mux := newTestGateway(staticSnapshots{
		snap: registry.Snapshot{ModelID: "m2", RolloutRatio: 0.1, PrevModelID: "m1"},
	})

	req := httptest.NewRequest(http.MethodGet, "/synthetic", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.Contains(t, resp, "elapsedMs")
	assert.Contains(t, resp, "modelVersion")
}
