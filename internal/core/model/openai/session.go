package openai

// Wire shapes for the realtime websocket protocol.

type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Speed                   float64              `json:"speed,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
}

type TranscriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// VADParams represents Voice Activity Detection parameters
type VADParams struct {
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// TurnDetection keeps server VAD for turn-taking but leaves interruption to
// the call session's barge-in gates.
type TurnDetection struct {
	Type string `json:"type"`
	VADParams
	CreateResponse    bool `json:"create_response"`
	InterruptResponse bool `json:"interrupt_response"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type clientEvent struct {
	Type       string          `json:"type"`
	Session    *SessionConfig  `json:"session,omitempty"`
	Audio      string          `json:"audio,omitempty"`
	Response   *responseParams `json:"response,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
}

type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id"`
	ResponseID string          `json:"response_id"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	Response   *serverResponse `json:"response"`
	Error      *serverError    `json:"error"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	EventID string `json:"event_id"`
}

const (
	audioFormatPCM16 = "pcm16"
	sampleRate       = 24000
)

func buildSessionConfig(instructions, voice, language, transcriptionModel string, speed float64) *SessionConfig {
	cfg := &SessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      instructions,
		Voice:             voice,
		Speed:             speed,
		InputAudioFormat:  audioFormatPCM16,
		OutputAudioFormat: audioFormatPCM16,
		TurnDetection: &TurnDetection{
			Type: "server_vad",
			VADParams: VADParams{
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
			CreateResponse:    true,
			InterruptResponse: false,
		},
	}
	if transcriptionModel != "" {
		cfg.InputAudioTranscription = &TranscriptionConfig{Model: transcriptionModel, Language: language}
	}
	return cfg
}
