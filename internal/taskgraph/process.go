package taskgraph

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/devflow/internal/ctxlog"
	"github.com/aristath/devflow/internal/events"
)

// Process drives the graph until no node is pending, ready or processing and
// returns the result tree for every task ever added.
//
// Task failures are reported in the results, not as an error. The returned
// error is non-nil only when ctx was cancelled and some ready task was failed
// instead of being started. Tasks added while Process runs are picked up by the
// same call. Concurrent calls are serialized.
func (g *Graph) Process(ctx context.Context) (Results, error) {
	g.processMu.Lock()
	defer g.processMu.Unlock()

	start := time.Now()
	cancelled := false

	var eg errgroup.Group
	eg.SetLimit(g.concurrency)

	for {
		g.mu.Lock()
		ready := g.promote()

		if err := ctx.Err(); err != nil && len(ready) > 0 {
			for _, n := range ready {
				g.fail(n, fmt.Errorf("cancelled before execution: %w", err))
			}
			cancelled = true
			g.mu.Unlock()
			continue
		}

		live := g.liveCount()
		g.publishProgress()
		g.mu.Unlock()

		if len(ready) == 0 && live == 0 {
			break
		}

		for _, n := range ready {
			eg.Go(func() error {
				g.execute(ctx, n)
				return nil
			})
		}

		if len(ready) == 0 {
			<-g.wake
		}
	}

	// Superseded actions may still be in flight; their results are dropped
	// but we don't leave them running past Process.
	_ = eg.Wait()

	g.mu.Lock()
	results := g.results()
	g.mu.Unlock()

	g.logger.Info("task graph drained", "results", len(results), "failed", results.Failed(), "duration", time.Since(start))
	g.bus.Publish(events.GraphDoneEvent{
		Results:   len(results),
		Failed:    results.Failed(),
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	})

	if cancelled {
		return results, ctx.Err()
	}
	return results, nil
}

// promote re-evaluates every pending node: nodes with a failed dependency fail,
// nodes whose dependencies all succeeded become ready. It repeats until no
// more failures cascade and returns the newly ready nodes.
func (g *Graph) promote() []*node {
	var ready []*node
	for changed := true; changed; {
		changed = false
		for _, n := range g.nodes {
			if n.status != StatusPending {
				continue
			}
			failedDep, allSucceeded := g.dependencyState(n)
			switch {
			case failedDep != nil:
				g.fail(n, &DependencyError{Dependency: failedDep.baseKey, Err: failedDep.err})
				changed = true
			case allSucceeded:
				n.status = StatusReady
				ready = append(ready, n)
			}
		}
	}
	return ready
}

// dependencyState returns the first failed dependency of n, if any, and
// whether every dependency has succeeded.
func (g *Graph) dependencyState(n *node) (*node, bool) {
	allSucceeded := true
	for _, key := range n.depKeys {
		dep := g.nodes[g.resolveKey(key)]
		switch dep.status {
		case StatusFailed:
			return dep, false
		case StatusSucceeded:
		default:
			allSucceeded = false
		}
	}
	return nil, allSucceeded
}

// execute runs one ready node and records its outcome.
func (g *Graph) execute(ctx context.Context, n *node) {
	g.mu.Lock()
	if n.status != StatusReady {
		// Superseded between promotion and dispatch
		g.mu.Unlock()
		return
	}
	n.status = StatusProcessing
	n.startedAt = time.Now()
	deps := g.dependencyResults(n, make(map[*node]*Result))
	g.bus.Publish(events.TaskStartedEvent{
		Key:         n.key,
		BaseKey:     n.baseKey,
		Type:        n.task.Type(),
		Description: n.task.Description(),
		Timestamp:   n.startedAt,
	})
	g.mu.Unlock()

	logger := g.logger.With("task", n.key)
	logger.Debug("task started")

	output, err := runTask(ctxlog.WithLogger(ctx, logger), n.task, deps)

	g.mu.Lock()
	defer g.notify()
	defer g.mu.Unlock()

	n.completedAt = time.Now()
	duration := n.completedAt.Sub(n.startedAt)

	if n.status == StatusSuperseded {
		logger.Info("discarding result of superseded task", "supersededBy", n.supersededBy.key, "error", err)
		return
	}
	if err != nil {
		logger.Warn("task failed", "error", err, "duration", duration)
		g.fail(n, err)
		return
	}

	n.status = StatusSucceeded
	n.output = output
	g.retire(n)
	logger.Info("task completed", "duration", duration)
	g.bus.Publish(events.TaskCompletedEvent{
		Key:       n.key,
		BaseKey:   n.baseKey,
		Duration:  duration,
		Timestamp: n.completedAt,
	})
}

// fail settles n as failed. Dependents are failed by the next promote pass.
func (g *Graph) fail(n *node, err error) {
	if n.completedAt.IsZero() {
		n.completedAt = time.Now()
	}
	n.status = StatusFailed
	n.err = err
	g.retire(n)

	propagated := IsPropagated(err)
	if propagated {
		g.logger.Warn("task skipped after dependency failure", "task", n.key, "error", err)
	}
	var duration time.Duration
	if !n.startedAt.IsZero() {
		duration = n.completedAt.Sub(n.startedAt)
	}
	g.bus.Publish(events.TaskFailedEvent{
		Key:        n.key,
		BaseKey:    n.baseKey,
		Err:        err,
		Propagated: propagated,
		Duration:   duration,
		Timestamp:  n.completedAt,
	})
}

// retire drops n from the live index once it has settled.
func (g *Graph) retire(n *node) {
	if g.live[n.baseKey] == n {
		delete(g.live, n.baseKey)
	}
}

func (g *Graph) liveCount() int {
	count := 0
	for _, n := range g.nodes {
		if n.status.Live() {
			count++
		}
	}
	return count
}

// runTask invokes t.Run, converting a panic into a *PanicError.
func runTask(ctx context.Context, t Task, deps Results) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.Run(ctx, deps)
}
