package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MergeDistributions sums percentages of repeated entities. Entries with an empty
// entity or a zero percentage are dropped. Output keeps first-seen entity order.
func MergeDistributions(in []TokenDistribution) []TokenDistribution {
	totals := make(map[string]decimal.Decimal, len(in))
	order := make([]string, 0, len(in))

	for _, d := range in {
		entity := strings.TrimSpace(d.Entity)
		if entity == "" || d.Percentage.IsZero() {
			continue
		}
		current, seen := totals[entity]
		if !seen {
			order = append(order, entity)
		}
		totals[entity] = current.Add(d.Percentage)
	}

	out := make([]TokenDistribution, 0, len(order))
	for _, entity := range order {
		out = append(out, TokenDistribution{Entity: entity, Percentage: totals[entity]})
	}
	return out
}
