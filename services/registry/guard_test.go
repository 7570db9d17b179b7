package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
)

func TestCheckPromotable(t *testing.T) {
	budgets := Budgets{BudgetValError: 0.08, BudgetP95Latency: 450}

	tests := []struct {
		name        string
		metrics     map[string]float64
		wantWarning bool
		wantMetric  string // non-empty means a GuardError on this metric
	}{
		{
			name:        "no metrics allowed with warning",
			metrics:     nil,
			wantWarning: true,
		},
		{
			name:    "within budgets",
			metrics: map[string]float64{"val_error": 0.05, "p95_latency_ms": 300},
		},
		{
			name:    "exactly at budget passes",
			metrics: map[string]float64{"val_error": 0.08},
		},
		{
			name:       "val_error over budget",
			metrics:    map[string]float64{"val_error": 0.09},
			wantMetric: BudgetValError,
		},
		{
			name:       "latency over budget",
			metrics:    map[string]float64{"val_error": 0.01, "p95_latency_ms": 900},
			wantMetric: BudgetP95Latency,
		},
		{
			name:    "unbudgeted metrics are not checked",
			metrics: map[string]float64{"train_loss": 99.0},
		},
		{
			name: "first violation in name order is reported",
			metrics: map[string]float64{
				"val_error":      0.5,
				"p95_latency_ms": 9999,
			},
			wantMetric: BudgetP95Latency,
		},
	}

	guard := NewGuard(budgets)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warning, err := guard.CheckPromotable(&registry.ModelRecord{ID: "m", Metrics: tt.metrics})
			if tt.wantMetric != "" {
				var guardErr *registry.GuardError
				require.ErrorAs(t, err, &guardErr)
				assert.Equal(t, tt.wantMetric, guardErr.Metric)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantWarning, warning != "")
		})
	}
}

func TestGuardWithoutBudgetsAllowsEverything(t *testing.T) {
	guard := NewGuard(nil)
	warning, err := guard.CheckPromotable(&registry.ModelRecord{
		ID:      "m",
		Metrics: map[string]float64{"val_error": 99.0},
	})
	require.NoError(t, err)
	assert.Empty(t, warning)
}

func TestLoadBudgets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "budgets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budgets:\n  val_error: 0.08\n  p95_latency_ms: 450\n"), 0o600))

	budgets, err := LoadBudgets(path)
	require.NoError(t, err)
	assert.Equal(t, 0.08, budgets[BudgetValError])
	assert.Equal(t, 450.0, budgets[BudgetP95Latency])
}

func TestLoadBudgetsEmptyPath(t *testing.T) {
	budgets, err := LoadBudgets("")
	require.NoError(t, err)
	assert.Empty(t, budgets)
}

func TestLoadBudgetsMissingFile(t *testing.T) {
	_, err := LoadBudgets(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBudgetsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budgets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budgets: [not a map"), 0o600))
	_, err := LoadBudgets(path)
	assert.Error(t, err)
}
