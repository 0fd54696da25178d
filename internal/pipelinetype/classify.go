// Package pipelinetype partitions pipeline runs into types by the set of job
// names they execute.
package pipelinetype

import (
	"fmt"
	"sort"
	"strings"

	"github.com/waabox/cilens/internal/domain"
	"github.com/waabox/cilens/internal/stats"
)

// Mode selects how signatures are grouped.
type Mode string

const (
	// ModeExact groups pipelines with identical job-name sets.
	ModeExact Mode = "exact"
	// ModeSimilar additionally merges exact groups whose job-name sets have a
	// Jaccard similarity at or above the threshold.
	ModeSimilar Mode = "similar"
)

const (
	DefaultMinPercentage       = 1.0
	DefaultSimilarityThreshold = 0.8
)

// ParseMode validates a mode name. The empty string selects ModeExact.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeExact:
		return ModeExact, nil
	case ModeSimilar:
		return ModeSimilar, nil
	}
	return "", &domain.ConfigError{Field: "cluster_mode", Reason: fmt.Sprintf("unknown mode %q", s)}
}

// Options control classification.
type Options struct {
	// MinPercentage drops types holding less than this share of all pipelines.
	MinPercentage       float64
	Mode                Mode
	SimilarityThreshold float64
}

// Type is a group of pipelines sharing a job signature.
type Type struct {
	Label string
	// Signature is the sorted, de-duplicated job-name set of the type.
	// In ModeSimilar it is the union over all members.
	Signature  []string
	Pipelines  []domain.Pipeline
	Stages     []string
	Refs       []string
	Sources    []string
	Percentage float64
}

// Result is the outcome of Classify.
type Result struct {
	Types []Type
	// Total counts every classified pipeline, including filtered ones.
	Total int
	// Filtered counts pipelines whose type fell below MinPercentage.
	Filtered      int
	FilteredTypes int
}

// Signature returns the sorted set of job names in p. Names are compared
// case-sensitively.
func Signature(p domain.Pipeline) []string {
	seen := make(map[string]struct{}, len(p.Jobs))
	names := make([]string, 0, len(p.Jobs))
	for _, j := range p.Jobs {
		if _, ok := seen[j.Name]; ok {
			continue
		}
		seen[j.Name] = struct{}{}
		names = append(names, j.Name)
	}
	sort.Strings(names)
	return names
}

func key(signature []string) string {
	return strings.Join(signature, "\x00")
}

type group struct {
	key       string
	signature []string
	pipelines []domain.Pipeline
}

// Classify partitions pipelines into types. Every pipeline lands in exactly
// one group; groups below opts.MinPercentage are left out of Result.Types but
// still count toward Result.Total.
func Classify(pipelines []domain.Pipeline, opts Options) Result {
	byKey := make(map[string]*group)
	var groups []*group
	for _, p := range pipelines {
		sig := Signature(p)
		k := key(sig)
		g, ok := byKey[k]
		if !ok {
			g = &group{key: k, signature: sig}
			byKey[k] = g
			groups = append(groups, g)
		}
		g.pipelines = append(g.pipelines, p)
	}
	sortGroups(groups)

	if opts.Mode == ModeSimilar {
		threshold := opts.SimilarityThreshold
		if threshold <= 0 {
			threshold = DefaultSimilarityThreshold
		}
		groups = mergeSimilar(groups, threshold)
	}

	res := Result{Total: len(pipelines)}
	for _, g := range groups {
		share := 0.0
		if res.Total > 0 {
			share = 100 * float64(len(g.pipelines)) / float64(res.Total)
		}
		if share < opts.MinPercentage {
			res.Filtered += len(g.pipelines)
			res.FilteredTypes++
			continue
		}
		res.Types = append(res.Types, newType(g, stats.Round2(share)))
	}
	return res
}

// sortGroups orders by member count descending, then by signature.
func sortGroups(groups []*group) {
	sort.SliceStable(groups, func(i, k int) bool {
		if len(groups[i].pipelines) != len(groups[k].pipelines) {
			return len(groups[i].pipelines) > len(groups[k].pipelines)
		}
		return groups[i].key < groups[k].key
	})
}

// mergeSimilar folds each group into the first earlier seed whose original
// signature is similar enough. groups must already be sorted; the first group
// of every merged cluster is its seed.
func mergeSimilar(groups []*group, threshold float64) []*group {
	var seeds []*group
	var seedSigs [][]string
	for _, g := range groups {
		merged := false
		for i, sig := range seedSigs {
			if Jaccard(sig, g.signature) >= threshold {
				seeds[i].pipelines = append(seeds[i].pipelines, g.pipelines...)
				seeds[i].signature = union(seeds[i].signature, g.signature)
				merged = true
				break
			}
		}
		if !merged {
			cp := &group{key: g.key, signature: g.signature, pipelines: append([]domain.Pipeline(nil), g.pipelines...)}
			seeds = append(seeds, cp)
			seedSigs = append(seedSigs, g.signature)
		}
	}
	sortGroups(seeds)
	return seeds
}

// Jaccard returns |a ∩ b| / |a ∪ b| for two sorted, de-duplicated name sets.
// Two empty sets are identical.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter, i, k := 0, 0, 0
	for i < len(a) && k < len(b) {
		switch {
		case a[i] == b[k]:
			inter++
			i++
			k++
		case a[i] < b[k]:
			i++
		default:
			k++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, k := 0, 0
	for i < len(a) || k < len(b) {
		switch {
		case k == len(b) || (i < len(a) && a[i] < b[k]):
			out = append(out, a[i])
			i++
		case i == len(a) || b[k] < a[i]:
			out = append(out, b[k])
			k++
		default:
			out = append(out, a[i])
			i++
			k++
		}
	}
	return out
}

func newType(g *group, pct float64) Type {
	t := Type{
		Label:      Label(g.signature),
		Signature:  g.signature,
		Pipelines:  g.pipelines,
		Percentage: pct,
	}
	stageSeen := map[string]bool{}
	refs := map[string]bool{}
	sources := map[string]bool{}
	addStage := func(s string) {
		if s != "" && !stageSeen[s] {
			stageSeen[s] = true
			t.Stages = append(t.Stages, s)
		}
	}
	for _, p := range g.pipelines {
		for _, s := range p.Stages {
			addStage(s)
		}
		for _, j := range p.Jobs {
			addStage(j.Stage)
		}
		if p.Ref != "" {
			refs[p.Ref] = true
		}
		if p.Source != "" {
			sources[p.Source] = true
		}
	}
	t.Refs = sortedKeys(refs)
	t.Sources = sortedKeys(sources)
	return t
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Label names a type after its jobs: production deploys win over
// development work, anything else is named after its first three jobs.
func Label(signature []string) string {
	for _, name := range signature {
		if strings.Contains(strings.ToLower(name), "prod") {
			return "Production Pipeline"
		}
	}
	for _, name := range signature {
		lower := strings.ToLower(name)
		for _, hint := range []string{"staging", "dev", "test", "qa"} {
			if strings.Contains(lower, hint) {
				return "Development Pipeline"
			}
		}
	}
	if len(signature) == 0 {
		return "Empty Pipeline"
	}
	n := min(3, len(signature))
	return "Pipeline: " + strings.Join(signature[:n], ", ")
}
