package openai

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

// normalizer maps raw realtime server events onto provider events. It is
// owned by the adapter's read loop.
type normalizer struct {
	callID         string
	sessionUpdated bool

	// lastCancel resolves which response a cancel error refers to; the
	// server's error frame does not carry it.
	lastCancel func() string
}

func (n *normalizer) normalize(raw []byte) []provider.Event {
	var ev serverEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return []provider.Event{provider.ErrorEvent(provider.NewProtocolError("malformed_event", "", err))}
	}

	switch ev.Type {
	case "session.created":
		return one(provider.SetupComplete())

	case "session.updated":
		if n.sessionUpdated {
			logger.Base().Debug("Ignoring repeated session.updated", zap.String("call_id", n.callID))
			return nil
		}
		n.sessionUpdated = true
		return one(provider.SessionUpdated())

	case "response.created":
		if ev.Response == nil || ev.Response.ID == "" {
			return one(provider.ErrorEvent(provider.NewProtocolError("missing_response_id", "", fmt.Errorf("%s without response id", ev.Type))))
		}
		return one(provider.ResponseCreated(ev.Response.ID))

	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return one(provider.ErrorEvent(provider.NewProtocolError("bad_audio_delta", ev.ResponseID, err)))
		}
		return one(provider.AudioDelta(ev.ResponseID, pcm))

	case "response.audio.done", "response.output_audio.done":
		return one(provider.AudioDone(ev.ResponseID))

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return one(provider.TranscriptDelta(ev.ResponseID, ev.Delta))

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return one(provider.TranscriptDone(ev.ResponseID, ev.Transcript))

	case "response.done":
		if ev.Response == nil {
			return nil
		}
		switch ev.Response.Status {
		case "cancelled":
			return one(provider.ResponseCancelled(ev.Response.ID))
		case "failed":
			return one(provider.ErrorEvent(provider.NewProtocolError("response_failed", ev.Response.ID, nil)))
		default:
			return one(provider.ResponseDone(ev.Response.ID))
		}

	case "input_audio_buffer.speech_started":
		return one(provider.SpeechStarted())

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript == "" {
			return nil
		}
		return one(provider.UserTranscript(ev.Transcript))

	case "error":
		return one(provider.ErrorEvent(n.errorFrom(ev.Error)))

	default:
		return nil
	}
}

func (n *normalizer) errorFrom(se *serverError) *provider.Error {
	if se == nil {
		return provider.NewProtocolError("unknown_error", "", nil)
	}
	responseID := ""
	if se.Code == provider.CodeCancelNotActive && n.lastCancel != nil {
		responseID = n.lastCancel()
	}
	var cause error
	if se.Message != "" {
		cause = errors.New(se.Message)
	}
	return provider.NewProtocolError(se.Code, responseID, cause)
}

func one(ev provider.Event) []provider.Event {
	return []provider.Event{ev}
}
