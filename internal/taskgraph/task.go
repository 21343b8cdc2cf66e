package taskgraph

import "context"

// Task is a unit of orchestrated work that the graph schedules.
//
// BaseKey identifies the logical unit (two submissions with the same BaseKey
// are "the same work"). Key refines it so that a newer attempt at the same
// unit can be told apart from an older, still-live one.
type Task interface {
	Type() string        // Variant tag, e.g. "build" or "deploy"
	Name() string        // Module or service name
	BaseKey() string     // Deduplication / supersession identity
	Key() string         // Unique identity of this attempt
	Description() string // Label for logs and results
	Dependencies() []Task

	// Run performs the work. deps holds the results of every dependency,
	// keyed by the dependency's BaseKey. Run is invoked at most once per
	// node, and never if the node is superseded before it starts.
	Run(ctx context.Context, deps Results) (any, error)
}

// NodeStatus represents the lifecycle state of a graph node.
type NodeStatus int

const (
	StatusPending    NodeStatus = iota // Waiting for dependencies
	StatusReady                        // All dependencies succeeded, waiting for a worker
	StatusProcessing                   // Run in flight
	StatusSucceeded                    // Run returned an output
	StatusFailed                       // Run failed, or a dependency did
	StatusSuperseded                   // Replaced by a newer submission with the same base key
)

func (s NodeStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusProcessing:
		return "processing"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Live reports whether the node still has work ahead of it.
func (s NodeStatus) Live() bool {
	return s == StatusPending || s == StatusReady || s == StatusProcessing
}

// Settled reports whether the node has a final output or error.
func (s NodeStatus) Settled() bool {
	return s == StatusSucceeded || s == StatusFailed
}
