// Package rules flags clients whose request volume over their top paths
// meets a threshold.
package rules

import (
	"sort"
	"strings"

	"github.com/deezertidal/cf-workers-rate-limiting/internal/config"
	"github.com/deezertidal/cf-workers-rate-limiting/internal/model"
)

// Comparison decides how a client's total is checked against the threshold.
type Comparison string

const (
	// AtLeast flags totals >= threshold (form variant).
	AtLeast Comparison = config.CompareGTE
	// Above flags totals > threshold (historical scheduled variant).
	Above Comparison = config.CompareGT
)

// ParseComparison maps a config or request value onto a Comparison.
func ParseComparison(s string) (Comparison, bool) {
	switch Comparison(s) {
	case "", AtLeast:
		return AtLeast, true
	case Above:
		return Above, true
	default:
		return "", false
	}
}

func (c Comparison) meets(total, threshold int) bool {
	if c == Above {
		return total > threshold
	}
	return total >= threshold
}

// Options parameterize Evaluate.
type Options struct {
	ExcludePaths []string // substrings; a record whose path contains any is dropped
	Blocked      model.BlockedSet
	Threshold    int
	MaxTopPaths  int // clamped to [config.MinTopPaths, config.MaxTopPaths]
	Comparison   Comparison
}

// clientCounts accumulates per-path counts for one client in first-seen order.
type clientCounts struct {
	id    string
	paths []model.PathCount
	index map[string]int // path -> position in paths
}

// Evaluate groups records by client, ranks each client's paths by count, sums the
// retained top paths, keeps clients meeting the threshold, and splits them by
// membership in the blocked set. Output order follows each client's first
// appearance in records, and ties between equal path counts keep first-seen order,
// so identical input yields identical output.
func Evaluate(records []model.RequestRecord, opts Options) model.Partition {
	maxPaths := clampTopPaths(opts.MaxTopPaths)
	excludes := nonEmpty(opts.ExcludePaths)

	var order []*clientCounts
	byClient := make(map[string]*clientCounts)

	for _, r := range records {
		if excluded(r.Path, excludes) {
			continue
		}
		cc, ok := byClient[r.ClientID]
		if !ok {
			cc = &clientCounts{id: r.ClientID, index: make(map[string]int)}
			byClient[r.ClientID] = cc
			order = append(order, cc)
		}
		if i, seen := cc.index[r.Path]; seen {
			cc.paths[i].Count++
			continue
		}
		cc.index[r.Path] = len(cc.paths)
		cc.paths = append(cc.paths, model.PathCount{Path: r.Path, Count: 1})
	}

	out := model.Partition{
		UnBlocked: []model.ClientAggregate{},
		Blocked:   []model.ClientAggregate{},
	}
	for _, cc := range order {
		agg := aggregate(cc, maxPaths)
		if !opts.Comparison.meets(agg.Total, opts.Threshold) {
			continue
		}
		if opts.Blocked.Contains(agg.ClientID) {
			out.Blocked = append(out.Blocked, agg)
		} else {
			out.UnBlocked = append(out.UnBlocked, agg)
		}
	}
	return out
}

func aggregate(cc *clientCounts, maxPaths int) model.ClientAggregate {
	ranked := make([]model.PathCount, len(cc.paths))
	copy(ranked, cc.paths)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Count > ranked[j].Count })
	if len(ranked) > maxPaths {
		ranked = ranked[:maxPaths]
	}

	total := 0
	for _, p := range ranked {
		total += p.Count
	}
	return model.ClientAggregate{ClientID: cc.id, Total: total, TopPaths: ranked}
}

func excluded(path string, excludes []string) bool {
	for _, e := range excludes {
		if strings.Contains(path, e) {
			return true
		}
	}
	return false
}

// nonEmpty drops empty exclusion entries; an empty substring would match every path.
func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clampTopPaths(n int) int {
	switch {
	case n < config.MinTopPaths:
		return config.MinTopPaths
	case n > config.MaxTopPaths:
		return config.MaxTopPaths
	default:
		return n
	}
}
