package provider

import "time"

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventSetupComplete EventKind = iota + 1
	EventSessionUpdated
	EventAudioDelta
	EventAudioDone
	EventTranscriptDelta
	EventTranscriptDone
	EventResponseCreated
	EventResponseCancelled
	EventResponseDone
	EventSpeechStarted
	EventUserTranscript
	EventError
)

var eventKindNames = map[EventKind]string{
	EventSetupComplete:     "setup_complete",
	EventSessionUpdated:    "session_updated",
	EventAudioDelta:        "audio_delta",
	EventAudioDone:         "audio_done",
	EventTranscriptDelta:   "transcript_delta",
	EventTranscriptDone:    "transcript_done",
	EventResponseCreated:   "response_created",
	EventResponseCancelled: "response_cancelled",
	EventResponseDone:      "response_done",
	EventSpeechStarted:     "speech_started",
	EventUserTranscript:    "user_transcript",
	EventError:             "error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a normalized provider event. It is parsed once at the adapter
// boundary and consumed once by the call session.
type Event struct {
	Kind       EventKind
	ResponseID string

	// Audio is little-endian PCM16 at the adapter's OutputSampleRate.
	Audio []byte
	Text  string
	Err   *Error

	ReceivedAt time.Time
}

func newEvent(kind EventKind, responseID string) Event {
	return Event{Kind: kind, ResponseID: responseID, ReceivedAt: time.Now()}
}

func SetupComplete() Event  { return newEvent(EventSetupComplete, "") }
func SessionUpdated() Event { return newEvent(EventSessionUpdated, "") }
func SpeechStarted() Event  { return newEvent(EventSpeechStarted, "") }

func AudioDelta(responseID string, pcm []byte) Event {
	ev := newEvent(EventAudioDelta, responseID)
	ev.Audio = pcm
	return ev
}

func AudioDone(responseID string) Event { return newEvent(EventAudioDone, responseID) }

func TranscriptDelta(responseID, text string) Event {
	ev := newEvent(EventTranscriptDelta, responseID)
	ev.Text = text
	return ev
}

func TranscriptDone(responseID, text string) Event {
	ev := newEvent(EventTranscriptDone, responseID)
	ev.Text = text
	return ev
}

func ResponseCreated(responseID string) Event   { return newEvent(EventResponseCreated, responseID) }
func ResponseCancelled(responseID string) Event { return newEvent(EventResponseCancelled, responseID) }
func ResponseDone(responseID string) Event      { return newEvent(EventResponseDone, responseID) }

func UserTranscript(text string) Event {
	ev := newEvent(EventUserTranscript, "")
	ev.Text = text
	return ev
}

// ErrorEvent wraps err for delivery on the event stream.
func ErrorEvent(err *Error) Event {
	ev := newEvent(EventError, err.ResponseID)
	ev.Err = err
	return ev
}
