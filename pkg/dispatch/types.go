// Package dispatch implements the Task Dispatcher (spec §4.F): issuing a
// task to a per-CN agent over HTTP, persisting its lifecycle in durable
// storage, and coalescing multiple waiters on one task id with timeouts,
// including completion racing ahead of any registered waiter.
package dispatch

import "time"

// Status is a task's terminal or in-flight state.
type Status string

const (
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailure  Status = "failure"
)

// HistoryEntry is one append-only lifecycle event on a TaskStatus.
type HistoryEntry struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event,omitempty"`
}

// TaskStatus is the durable record for one dispatched task (spec §3).
type TaskStatus struct {
	ID         string         `json:"id"`
	ReqID      string         `json:"req_id,omitempty"`
	Task       string         `json:"task"`
	ServerUUID string         `json:"server_uuid"`
	Status     Status         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	History    []HistoryEntry `json:"history,omitempty"`
}

// Params is the caller-supplied input to Dispatch.
type Params struct {
	Task       string
	Payload    any
	ServerUUID string
	ReqID      string
	Persist    bool
}
