package event

import (
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
)

// EventType represents the type of event
type EventType string

const (
	// Call lifecycle
	CallStarted      EventType = "call.started"
	CallStateChanged EventType = "call.state_changed"
	CallCompleted    EventType = "call.completed"

	// Internal/system events
	HandlerPanic EventType = "handler.panic"
)

// CallEvent is a call lifecycle notification published on the bus
type CallEvent struct {
	Type      EventType   `json:"type"`
	CallID    string      `json:"call_id"`
	TenantID  string      `json:"tenant_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     error       `json:"error,omitempty"`
}

// StartedData describes a call that just began
type StartedData struct {
	CallSID  string `json:"call_sid"`
	Provider string `json:"provider"`
}

// StateChangeData contains one session state transition
type StateChangeData struct {
	From   call.State `json:"from"`
	To     call.State `json:"to"`
	Reason string     `json:"reason"`
}

// NewCallEvent creates a new call event
func NewCallEvent(eventType EventType, callID string) *CallEvent {
	return &CallEvent{
		Type:      eventType,
		CallID:    callID,
		Timestamp: time.Now(),
	}
}

// WithTenantID adds tenant ID to the event
func (e *CallEvent) WithTenantID(tenantID string) *CallEvent {
	e.TenantID = tenantID
	return e
}

// WithData adds data to the event
func (e *CallEvent) WithData(data interface{}) *CallEvent {
	e.Data = data
	return e
}

// WithError adds error to the event
func (e *CallEvent) WithError(err error) *CallEvent {
	e.Error = err
	return e
}

// IsError returns true if the event contains an error
func (e *CallEvent) IsError() bool {
	return e.Error != nil
}

func (e *CallEvent) GetStarted() (*StartedData, bool) {
	data, ok := e.Data.(*StartedData)
	return data, ok
}

func (e *CallEvent) GetStateChange() (*StateChangeData, bool) {
	data, ok := e.Data.(*StateChangeData)
	return data, ok
}

// GetSummary returns the call summary carried by call.completed
func (e *CallEvent) GetSummary() (*call.Summary, bool) {
	data, ok := e.Data.(*call.Summary)
	return data, ok
}
