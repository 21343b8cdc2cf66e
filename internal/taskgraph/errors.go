package taskgraph

import (
	"errors"
	"fmt"
)

var (
	ErrCycle            = errors.New("dependency cycle")
	ErrInvalidTask      = errors.New("invalid task")
	ErrInconsistentTask = errors.New("inconsistent task")
)

// GraphError reports a contract violation detected while adding tasks.
// It unwraps to one of the sentinel errors above.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidTask, Msg: fmt.Sprintf(format, args...)}
}

func inconsistentf(format string, args ...any) error {
	return &GraphError{Kind: ErrInconsistentTask, Msg: fmt.Sprintf(format, args...)}
}

func cyclef(format string, args ...any) error {
	return &GraphError{Kind: ErrCycle, Msg: fmt.Sprintf(format, args...)}
}

// DependencyError is the error of a node that never ran because one of its
// dependencies failed. It unwraps to the dependency's own error.
type DependencyError struct {
	Dependency string // BaseKey of the failed dependency
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s failed: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking Task.Run.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// IsPropagated reports whether err is a failure inherited from a dependency
// rather than one produced by the task itself.
func IsPropagated(err error) bool {
	var depErr *DependencyError
	return errors.As(err, &depErr)
}
