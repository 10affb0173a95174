package event

import (
	"sort"
	"sync"
	"time"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

// LifecyclePhase is the coarse phase of a call as seen from the bus
type LifecyclePhase int

const (
	PhaseStarted LifecyclePhase = iota
	PhaseActive
	PhaseClosing
	PhaseEnded
)

// String returns the string representation of the lifecycle phase
func (p LifecyclePhase) String() string {
	switch p {
	case PhaseStarted:
		return "started"
	case PhaseActive:
		return "active"
	case PhaseClosing:
		return "closing"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// CallRecord is the tracker's view of one call
type CallRecord struct {
	CallID      string    `json:"call_id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	CallSID     string    `json:"call_sid,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	Phase       string    `json:"phase"`
	State       string    `json:"state"`
	Transitions int       `json:"transitions"`
	EndReason   string    `json:"end_reason,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CallTracker follows call lifecycle events and keeps a per-call record for
// the operational API. Ended calls are kept for retention, then evicted.
type CallTracker struct {
	mutex     sync.RWMutex
	calls     map[string]*CallRecord
	retention time.Duration
	now       func() time.Time
}

// NewCallTracker subscribes a tracker to bus
func NewCallTracker(bus EventBus, retention time.Duration) (*CallTracker, error) {
	t := &CallTracker{
		calls:     make(map[string]*CallRecord),
		retention: retention,
		now:       time.Now,
	}
	if err := bus.Subscribe(CallStarted, t.onStarted); err != nil {
		return nil, err
	}
	if err := bus.Subscribe(CallStateChanged, t.onStateChanged); err != nil {
		return nil, err
	}
	if err := bus.Subscribe(CallCompleted, t.onCompleted); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *CallTracker) record(event *CallEvent) *CallRecord {
	rec, ok := t.calls[event.CallID]
	if !ok {
		rec = &CallRecord{
			CallID:    event.CallID,
			TenantID:  event.TenantID,
			Phase:     PhaseStarted.String(),
			StartedAt: event.Timestamp,
		}
		t.calls[event.CallID] = rec
	}
	rec.UpdatedAt = event.Timestamp
	return rec
}

func (t *CallTracker) onStarted(event *CallEvent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rec := t.record(event)
	rec.StartedAt = event.Timestamp
	if data, ok := event.GetStarted(); ok {
		rec.CallSID = data.CallSID
		rec.Provider = data.Provider
	}
}

func (t *CallTracker) onStateChanged(event *CallEvent) {
	data, ok := event.GetStateChange()
	if !ok {
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rec := t.record(event)
	if rec.Phase == PhaseEnded.String() {
		return
	}
	rec.State = data.To.String()
	rec.Transitions++
	switch {
	case data.To.Draining():
		rec.Phase = PhaseClosing.String()
	default:
		rec.Phase = PhaseActive.String()
	}
}

func (t *CallTracker) onCompleted(event *CallEvent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	rec := t.record(event)
	rec.Phase = PhaseEnded.String()
	if summary, ok := event.GetSummary(); ok {
		rec.EndReason = summary.Reason
		rec.Provider = summary.Provider.String()
	}
	logger.Base().Debug("Call tracked to completion", zap.String("call_id", event.CallID), zap.String("reason", rec.EndReason))
}

// Get returns a copy of the record for callID
func (t *CallTracker) Get(callID string) (CallRecord, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	rec, ok := t.calls[callID]
	if !ok {
		return CallRecord{}, false
	}
	return *rec, true
}

// List returns copies of all records, most recent first, evicting ended
// calls older than the retention period
func (t *CallTracker) List() []CallRecord {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := t.now()
	out := make([]CallRecord, 0, len(t.calls))
	for id, rec := range t.calls {
		if rec.Phase == PhaseEnded.String() && now.Sub(rec.UpdatedAt) > t.retention {
			delete(t.calls, id)
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
