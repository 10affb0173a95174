package call

// HangupAction is what the coordinator wants done after a final transcript.
type HangupAction int

const (
	HangupNone HangupAction = iota
	// HangupImmediate ends the call now; the audio has already played out.
	HangupImmediate
	// HangupDrain enters CLOSING and lets queued audio play out first.
	HangupDrain
)

// HangupCoordinator resolves the AudioDone/TranscriptDone ordering race.
// It remembers, per response, whether AudioDone was already observed so a
// closing phrase found in a late TranscriptDone never waits for an AudioDone
// that has come and gone. Owned by the session event loop.
type HangupCoordinator struct {
	phrases   *PhraseMatcher
	audioDone map[string]struct{}
}

func NewHangupCoordinator(phrases *PhraseMatcher) *HangupCoordinator {
	return &HangupCoordinator{phrases: phrases, audioDone: make(map[string]struct{})}
}

// MarkAudioDone records that the response's audio stream ended.
func (h *HangupCoordinator) MarkAudioDone(responseID string) {
	if responseID != "" {
		h.audioDone[responseID] = struct{}{}
	}
}

// AudioDoneSeen reports whether AudioDone arrived for responseID.
func (h *HangupCoordinator) AudioDoneSeen(responseID string) bool {
	_, ok := h.audioDone[responseID]
	return ok
}

// Forget drops tracking for responseID.
func (h *HangupCoordinator) Forget(responseID string) {
	delete(h.audioDone, responseID)
}

// OnTranscriptDone scans the final transcript of a response. callerBye
// treats the response as a closing turn even without a matching phrase;
// outputIdle reports whether all queued audio has played out.
func (h *HangupCoordinator) OnTranscriptDone(responseID, text string, callerBye, outputIdle bool) (HangupAction, string) {
	phrase, bye := h.phrases.Match(text)
	if !bye && !callerBye {
		return HangupNone, ""
	}
	if h.AudioDoneSeen(responseID) && outputIdle {
		return HangupImmediate, phrase
	}
	return HangupDrain, phrase
}
