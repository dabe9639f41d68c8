// Package scheduler drives the workflow drivers on a fixed interval and runs
// the retention and reconciliation tasks that keep the ledgers tidy.
//
// The same Supervisor backs both entry points: the long-running process arms
// a cron timer, while the Lambda entry point calls Handle once per EventBridge
// invocation with a Payload naming the task.
package scheduler

import "time"

// TaskType identifies the work an invocation performs.
type TaskType string

const (
	TaskTick      TaskType = "tick"
	TaskPurge     TaskType = "purge"
	TaskReconcile TaskType = "reconcile"
)

// Payload is the JSON sent by EventBridge rules to the automation Lambda:
//
//	{
//	  "task": "tick",
//	  "reference_time": "2026-03-02T08:00:00Z"  // optional, purge only
//	}
//
// An empty task means "tick" so a bare scheduled event works.
type Payload struct {
	Task          TaskType   `json:"task"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
