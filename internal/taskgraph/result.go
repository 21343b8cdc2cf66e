package taskgraph

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Result is the settled outcome of one task, including the results of its
// dependencies exactly as the task received them. Results are shared between
// trees and must be treated as read-only.
type Result struct {
	Type              string
	Name              string
	Key               string
	Description       string
	Output            any   // nil when Error is set
	Error             error // nil on success
	DependencyResults Results
	StartedAt         time.Time
	CompletedAt       time.Time
}

// Results maps a task's BaseKey to its result.
type Results map[string]*Result

// Failed counts the entries whose Error is set.
func (rs Results) Failed() int {
	count := 0
	for _, r := range rs {
		if r.Error != nil {
			count++
		}
	}
	return count
}

// Errors returns the error of every failed entry, keyed by base key.
func (rs Results) Errors() map[string]error {
	errs := make(map[string]error)
	for key, r := range rs {
		if r.Error != nil {
			errs[key] = r.Error
		}
	}
	return errs
}

// Keys returns the base keys in sorted order.
func (rs Results) Keys() []string {
	keys := make([]string, 0, len(rs))
	for key := range rs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// resultView is the serialized shape of a Result.
type resultView struct {
	Type              string  `json:"type" yaml:"type"`
	Description       string  `json:"description" yaml:"description"`
	Output            any     `json:"output,omitempty" yaml:"output,omitempty"`
	Error             string  `json:"error,omitempty" yaml:"error,omitempty"`
	DependencyResults Results `json:"dependencyResults" yaml:"dependencyResults"`
}

func (r *Result) view() resultView {
	v := resultView{
		Type:              r.Type,
		Description:       r.Description,
		Output:            r.Output,
		DependencyResults: r.DependencyResults,
	}
	if v.DependencyResults == nil {
		v.DependencyResults = Results{}
	}
	if r.Error != nil {
		v.Error = r.Error.Error()
	}
	return v
}

// MarshalJSON renders the error as a string.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.view())
}

// MarshalYAML implements yaml.Marshaler.
func (r *Result) MarshalYAML() (any, error) {
	return r.view(), nil
}

// Results assembles the result tree from the current node state. Only the
// most recent node per base key is included, and only once it has settled.
func (g *Graph) Results() Results {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.results()
}

func (g *Graph) results() Results {
	memo := make(map[*node]*Result)
	out := make(Results, len(g.latest))
	for baseKey, n := range g.latest {
		if !n.status.Settled() {
			continue
		}
		out[baseKey] = g.buildResult(n, memo)
	}
	return out
}

func (g *Graph) buildResult(n *node, memo map[*node]*Result) *Result {
	if r, ok := memo[n]; ok {
		return r
	}
	r := &Result{
		Type:        n.task.Type(),
		Name:        n.task.Name(),
		Key:         n.key,
		Description: n.task.Description(),
		StartedAt:   n.startedAt,
		CompletedAt: n.completedAt,
	}
	switch n.status {
	case StatusSucceeded:
		r.Output = n.output
	case StatusFailed:
		r.Error = n.err
	}
	memo[n] = r
	r.DependencyResults = g.dependencyResults(n, memo)
	return r
}

// dependencyResults builds the dependency map handed to n's Run.
func (g *Graph) dependencyResults(n *node, memo map[*node]*Result) Results {
	deps := make(Results, len(n.depKeys))
	for _, key := range n.depKeys {
		dep := g.nodes[g.resolveKey(key)]
		deps[dep.baseKey] = g.buildResult(dep, memo)
	}
	return deps
}

func appendUnique(keys []string, key string) []string {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append(keys, key)
}

// replaceKey swaps old for replacement, keeping the slice free of duplicates.
func replaceKey(keys []string, old, replacement string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == old {
			k = replacement
		}
		out = appendUnique(out, k)
	}
	return out
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	for _, k := range b {
		if !set[k] {
			return false
		}
	}
	return true
}

func formatPath(path []string) string {
	return strings.Join(path, " -> ")
}
