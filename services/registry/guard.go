package main

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
)

// Recognized budget keys. Unrecognized keys are still enforced when present
// in both the budget map and the candidate metrics.
const (
	BudgetValError   = "val_error"
	BudgetP95Latency = "p95_latency_ms"
)

// Budgets maps metric names to the maximum value a candidate may report and
// still be promotable.
type Budgets map[string]float64

// LoadBudgets reads a YAML budget file of the form
//
//	budgets:
//	  val_error: 0.08
//	  p95_latency_ms: 450
//
// A missing path returns empty budgets: promotion gating is opt-in.
func LoadBudgets(path string) (Budgets, error) {
	if path == "" {
		return Budgets{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read budgets: %w", err)
	}
	var doc struct {
		Budgets Budgets `yaml:"budgets"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse budgets: %w", err)
	}
	if doc.Budgets == nil {
		doc.Budgets = Budgets{}
	}
	return doc.Budgets, nil
}

// Guard performs advisory gatekeeping before a promotion. It never mutates
// state.
type Guard struct {
	budgets Budgets
}

func NewGuard(budgets Budgets) *Guard {
	if budgets == nil {
		budgets = Budgets{}
	}
	return &Guard{budgets: budgets}
}

// CheckPromotable validates the candidate's recorded metrics against the
// configured budgets. A candidate with no metrics at all is allowed through;
// the returned warning surfaces that nothing was checked. Metrics without a
// budget are not checked.
func (g *Guard) CheckPromotable(candidate *registry.ModelRecord) (warning string, err error) {
	if len(candidate.Metrics) == 0 {
		return fmt.Sprintf("model %s has no recorded metrics; promotion allowed unchecked", candidate.ID), nil
	}
	// Deterministic order so the first violation reported is stable.
	names := make([]string, 0, len(g.budgets))
	for name := range g.budgets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, measured := candidate.Metrics[name]
		if !measured {
			continue
		}
		if budget := g.budgets[name]; value > budget {
			return "", &registry.GuardError{Metric: name, Value: value, Budget: budget}
		}
	}
	return "", nil
}
