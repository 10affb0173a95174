package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// Provider selectors stored on an agent.
const (
	ProviderRealtime      = "realtime"
	ProviderGeminiWhisper = "gemini+whisper"
)

const (
	DefaultInstructions = "You are a helpful call-center voice assistant. Keep answers short and conversational. When the caller's request is resolved, say goodbye politely."
	DefaultGreeting     = "Greet the caller briefly and ask how you can help."
)

// DefaultClosingPhrases are matched case-insensitively against final transcripts.
var DefaultClosingPhrases = []string{
	"goodbye",
	"good bye",
	"bye bye",
	"have a nice day",
	"have a great day",
	"thank you for calling",
	"talk to you soon",
}

// ConversationMessage represents a conversation message
type ConversationMessage struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ResponseID string    `json:"response_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AgentConfig is the per-tenant voice agent configuration used to set up a call.
type AgentConfig struct {
	TenantID string `json:"tenant_id"`
	Channel  string `json:"channel"`
	Name     string `json:"name"`

	// Provider is ProviderRealtime or ProviderGeminiWhisper.
	Provider string `json:"provider"`

	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed"`
	Language     string  `json:"language"`
	Instructions string  `json:"instructions"`
	Greeting     string  `json:"greeting"`

	ClosingPhrases []string `json:"closing_phrases"`

	UpdatedAt time.Time `json:"updated_at"`
}

// SetDefaults fills missing fields with safe defaults.
func (a *AgentConfig) SetDefaults() {
	if a == nil {
		return
	}
	if a.Channel == "" {
		a.Channel = ChannelPhone
	}
	if a.Provider == "" {
		a.Provider = ProviderRealtime
	}
	if a.Language == "" {
		a.Language = DefaultLanguage
	}
	if a.Instructions == "" {
		a.Instructions = DefaultInstructions
	}
	if a.Greeting == "" {
		a.Greeting = DefaultGreeting
	}
	if len(a.ClosingPhrases) == 0 {
		a.ClosingPhrases = append([]string(nil), DefaultClosingPhrases...)
	}
	//openai limit speed to 0.25 to 1.5
	if a.Speed != 0 {
		if a.Speed < 0.25 {
			a.Speed = 0.25
		}
		if a.Speed > 1.5 {
			a.Speed = 1.5
		}
	}
}

// Validate checks the provider selector and identity fields.
func (a *AgentConfig) Validate() error {
	if a == nil {
		return fmt.Errorf("agent config cannot be nil")
	}
	if strings.TrimSpace(a.TenantID) == "" {
		return fmt.Errorf("agent tenant id is required")
	}
	switch a.Provider {
	case ProviderRealtime, ProviderGeminiWhisper:
	default:
		return fmt.Errorf("unknown provider %q", a.Provider)
	}
	return nil
}

// CacheKey identifies the agent within the tenant+channel keyspace.
func (a *AgentConfig) CacheKey() string {
	return AgentCacheKey(a.TenantID, a.Channel)
}

// AgentCacheKey builds the tenant+channel key used by the agent cache and its loader.
func AgentCacheKey(tenantID, channel string) string {
	if channel == "" {
		channel = ChannelPhone
	}
	return tenantID + ":" + channel
}
