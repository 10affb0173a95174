package call

import "time"

// Gates that can hold back a barge-in.
const (
	GateNotSpeaking      = "not_speaking"
	GateNoActiveResponse = "no_active_response"
	GateTooYoung         = "response_too_young"
)

// BargeInDecision is the outcome of one barge-in evaluation. Gate names the
// first gate that failed when Fire is false.
type BargeInDecision struct {
	Fire bool
	Gate string
	Age  time.Duration
}

// BargeInDetector decides whether caller speech should cancel the AI
// response. All three gates must hold: audio is actually queued, a response
// is active, and that response is at least minAge old.
type BargeInDetector struct {
	minAge   time.Duration
	speaking func() bool
}

func NewBargeInDetector(minAge time.Duration, speaking func() bool) *BargeInDetector {
	return &BargeInDetector{minAge: minAge, speaking: speaking}
}

// Evaluate checks the gates at now for the response created at createdAt.
func (d *BargeInDetector) Evaluate(now time.Time, activeResponseID string, createdAt time.Time) BargeInDecision {
	if !d.speaking() {
		return BargeInDecision{Gate: GateNotSpeaking}
	}
	if activeResponseID == "" {
		return BargeInDecision{Gate: GateNoActiveResponse}
	}
	age := now.Sub(createdAt)
	if age < d.minAge {
		return BargeInDecision{Gate: GateTooYoung, Age: age}
	}
	return BargeInDecision{Fire: true, Age: age}
}
