package model

import (
	"fmt"
	"sync"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/gemini"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/openai"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
)

// AdapterConstructor builds a per-call adapter.
type AdapterConstructor func(session provider.SessionConfig) provider.Adapter

// DefaultProviderFactory creates per-call adapters by provider type
type DefaultProviderFactory struct {
	constructors map[provider.ProviderType]AdapterConstructor
	mutex        sync.RWMutex
}

// NewProviderFactory creates a new provider factory with default providers registered
func NewProviderFactory(cfg *config.Config) *DefaultProviderFactory {
	factory := &DefaultProviderFactory{
		constructors: make(map[provider.ProviderType]AdapterConstructor),
	}

	factory.RegisterProvider(provider.ProviderTypeRealtime, func(session provider.SessionConfig) provider.Adapter {
		return openai.NewProvider(openai.Config{
			APIKey:             cfg.OpenAIAPIKey,
			URL:                cfg.OpenAIRealtimeURL,
			Model:              cfg.OpenAIModel,
			TranscriptionModel: cfg.WhisperModel,
		}, session)
	})

	// Whisper client is shared; its http.Client is safe for concurrent use.
	whisper := gemini.NewWhisperClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.WhisperModel, config.DefaultConnectionTimeout)
	factory.RegisterProvider(provider.ProviderTypeGeminiWhisper, func(session provider.SessionConfig) provider.Adapter {
		return gemini.NewProvider(gemini.Config{
			APIKey:   cfg.GeminiAPIKey,
			Model:    cfg.GeminiModel,
			Language: session.Language,
		}, session, whisper)
	})

	return factory
}

// RegisterProvider registers a provider type
func (f *DefaultProviderFactory) RegisterProvider(providerType provider.ProviderType, constructor AdapterConstructor) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.constructors[providerType] = constructor
}

// CreateAdapter creates an unconnected adapter for one call
func (f *DefaultProviderFactory) CreateAdapter(providerType provider.ProviderType, session provider.SessionConfig) (provider.Adapter, error) {
	f.mutex.RLock()
	constructor, exists := f.constructors[providerType]
	f.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported provider type: %s", providerType)
	}
	return constructor(session), nil
}

// GetSupportedProviders returns a list of supported provider types
func (f *DefaultProviderFactory) GetSupportedProviders() []provider.ProviderType {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	providers := make([]provider.ProviderType, 0, len(f.constructors))
	for providerType := range f.constructors {
		providers = append(providers, providerType)
	}
	return providers
}
