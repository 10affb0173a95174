package task

import (
	"context"
	"time"
)

// TaskType defines the type of cross-service task signal
type TaskType string

const (
	TaskTypeRecordingStart TaskType = "recording_start" // Start recording the call leg
	TaskTypeRecordingStop  TaskType = "recording_stop"  // Stop and finalize the recording
)

// SessionTask is a task signal keyed by call id
type SessionTask struct {
	Type      TaskType  `json:"type"`
	CallID    string    `json:"call_id"`
	CallSID   string    `json:"call_sid,omitempty"`
	TenantID  string    `json:"tenant_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus defines the interface for the task bus
type Bus interface {
	Publish(ctx context.Context, task SessionTask) error
	Subscribe(ctx context.Context, handler func(SessionTask)) error
}
