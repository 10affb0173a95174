package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// liveSession is the subset of *genai.Session the adapter drives.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// liveDialer opens a Live session configured with cfg.
type liveDialer func(ctx context.Context, cfg *genai.LiveConnectConfig) (liveSession, error)

func genaiDialer(apiKey, model string) liveDialer {
	return func(ctx context.Context, cfg *genai.LiveConnectConfig) (liveSession, error) {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create genai client: %w", err)
		}
		session, err := client.Live.Connect(ctx, model, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect gemini live: %w", err)
		}
		return session, nil
	}
}

// liveConfig builds the audio-out Live configuration. The model never hears
// caller audio directly; it receives Whisper transcripts as text turns.
func liveConfig(instructions, voice string) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if instructions != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: instructions}}}
	}
	if voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	return cfg
}
