package call

import "fmt"

// State is the lifecycle state of a call session.
type State int32

const (
	StateGreeting State = iota
	StateListening
	StateAISpeaking
	StateBargeIn
	StateClosing
	StateHangup
)

var stateNames = [...]string{
	StateGreeting:   "GREETING",
	StateListening:  "LISTENING",
	StateAISpeaking: "AI_SPEAKING",
	StateBargeIn:    "BARGE_IN",
	StateClosing:    "CLOSING",
	StateHangup:     "HANGUP",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Draining reports whether the session has stopped taking caller audio and
// new responses.
func (s State) Draining() bool {
	return s == StateClosing || s == StateHangup
}

// Hangup and closing reasons.
const (
	ReasonBye                  = "bye"
	ReasonCallerBye            = "caller_bye"
	ReasonCallerHangup         = "caller_hangup"
	ReasonRemoteHangup         = "remote_hangup"
	ReasonTransportError       = "transport_error"
	ReasonProviderUnavailable  = "provider_unavailable"
	ReasonProviderDisconnected = "provider_disconnected"
	ReasonAccountingMismatch   = "frame_accounting_mismatch"
	ReasonTeardownTimeout      = "teardown_timeout"
	ReasonShutdown             = "shutdown"
)

// silenceReason renders the watchdog hangup reason, e.g. silence_20s.
func silenceReason(timeoutSeconds int) string {
	return fmt.Sprintf("silence_%ds", timeoutSeconds)
}
