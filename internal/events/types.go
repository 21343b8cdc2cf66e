package events

import (
	"time"
)

// Event is the base interface for everything published on the bus.
type Event interface {
	EventType() string
	Topic() string
	TaskKey() string
}

// Topics
const (
	TopicTask  = "task"
	TopicGraph = "graph"
)

// Event types
const (
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskOutput     = "task.output"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskSuperseded = "task.superseded"
	EventTypeGraphProgress  = "graph.progress"
	EventTypeGraphDone      = "graph.done"
)

// TaskStartedEvent is published when a task's action is invoked.
type TaskStartedEvent struct {
	Key         string
	BaseKey     string
	Type        string
	Description string
	Timestamp   time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TaskKey() string   { return e.Key }

// TaskOutputEvent carries one line of output produced by a running task.
type TaskOutputEvent struct {
	Key       string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) Topic() string     { return TopicTask }
func (e TaskOutputEvent) TaskKey() string   { return e.Key }

// TaskCompletedEvent is published when a task succeeds.
type TaskCompletedEvent struct {
	Key       string
	BaseKey   string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TaskKey() string   { return e.Key }

// TaskFailedEvent is published when a task fails, either on its own or
// because a dependency failed (Propagated).
type TaskFailedEvent struct {
	Key        string
	BaseKey    string
	Err        error
	Propagated bool
	Duration   time.Duration
	Timestamp  time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TaskKey() string   { return e.Key }

// TaskSupersededEvent is published when a newer submission replaces a live task.
type TaskSupersededEvent struct {
	Key          string
	BaseKey      string
	SupersededBy string
	Timestamp    time.Time
}

func (e TaskSupersededEvent) EventType() string { return EventTypeTaskSuperseded }
func (e TaskSupersededEvent) Topic() string     { return TopicTask }
func (e TaskSupersededEvent) TaskKey() string   { return e.Key }

// GraphProgressEvent is a snapshot of node counts by status.
type GraphProgressEvent struct {
	Total      int
	Succeeded  int
	Processing int
	Failed     int
	Pending    int
	Superseded int
	Timestamp  time.Time
}

func (e GraphProgressEvent) EventType() string { return EventTypeGraphProgress }
func (e GraphProgressEvent) Topic() string     { return TopicGraph }
func (e GraphProgressEvent) TaskKey() string   { return "" }

// GraphDoneEvent is published once a Process call has drained the graph.
type GraphDoneEvent struct {
	Results   int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e GraphDoneEvent) EventType() string { return EventTypeGraphDone }
func (e GraphDoneEvent) Topic() string     { return TopicGraph }
func (e GraphDoneEvent) TaskKey() string   { return "" }
