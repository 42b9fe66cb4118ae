// Package pricing resolves flat per-call costs for upstreams that do not
// report usage-based cost themselves.
package pricing

import "strings"

const defaultPerCallUSD = 0.01

type Table struct {
	perCall map[string]float64
}

func NewTable(perCallUSD map[string]float64) *Table {
	costs := make(map[string]float64, len(perCallUSD))
	for model, cost := range perCallUSD {
		model = strings.TrimSpace(model)
		if model == "" || cost < 0 {
			continue
		}
		costs[model] = cost
	}
	return &Table{perCall: costs}
}

// PerCallUSD returns the configured flat cost for a model, or a conservative
// default for models without an entry.
func (t *Table) PerCallUSD(model string) float64 {
	if t == nil {
		return defaultPerCallUSD
	}
	if cost, ok := t.perCall[strings.TrimSpace(model)]; ok {
		return cost
	}
	return defaultPerCallUSD
}
