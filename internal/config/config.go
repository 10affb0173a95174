package config

import (
	"fmt"
	"os"
	"time"
)

const (
	// Connection Constants
	DefaultConnectionTimeout = 30 * time.Second

	DefaultOpenAIRealtimeURL   = "wss://api.openai.com/v1/realtime"
	DefaultOpenAIRealtimeModel = "gpt-4o-realtime-preview"
	DefaultOpenAIBaseURL       = "https://api.openai.com"
	DefaultWhisperModel        = "whisper-1"
	DefaultGeminiModel         = "gemini-2.0-flash-live-001"

	DefaultLanguage = "en"
	ChannelPhone    = "phone"
)

// Config holds the application configuration
type Config struct {
	Port       string
	InstanceID string
	PublicHost string
	EnableCORS bool

	// Admission
	MaxConcurrentCalls int
	CallsPerSecond     float64
	CallBurst          int

	// Auth
	StreamTokenSecret string
	StreamTokenTTL    time.Duration
	APISecretKey      string

	// Twilio
	TwilioAccountSID      string
	TwilioAuthToken       string
	TwilioValidateWebhook bool

	// OpenAI (realtime + whisper)
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIRealtimeURL string
	OpenAIModel       string
	WhisperModel      string

	// Gemini (fallback)
	GeminiAPIKey string
	GeminiModel  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Pub/Sub
	PubSubProjectID string
	PubSubTopic     string
	PubSubPrefix    string

	// GCS
	TranscriptBucket string

	// Background worker pool
	WorkerPoolSize int
	TaskTimeout    time.Duration

	// Agent cache
	AgentCacheTTL  time.Duration
	DefaultAgent   AgentConfig
	DefaultTenant  string
	RecordingSlots int

	Call CallConfig
}

// LoadConfig loads configuration from environment variables.
// .env is loaded in main.go for local development using godotenv.Load().
func LoadConfig() *Config {
	cfg := &Config{
		Port:       getEnvOrDefault("PORT", "8080"),
		InstanceID: getDynamicInstanceID(),
		PublicHost: getEnvOrDefault("PUBLIC_HOST", ""),
		EnableCORS: getEnvAsBoolOrDefault("ENABLE_CORS", true),

		MaxConcurrentCalls: getEnvAsIntOrDefault("MAX_CONCURRENT_CALLS", 200),
		CallsPerSecond:     getEnvAsFloatOrDefault("CALLS_PER_SECOND", 10),
		CallBurst:          getEnvAsIntOrDefault("CALL_BURST", 20),

		StreamTokenSecret: getEnvOrDefault("STREAM_TOKEN_SECRET", ""),
		StreamTokenTTL:    getEnvAsDurationOrDefault("STREAM_TOKEN_TTL", 5*time.Minute),
		APISecretKey:      getEnvOrDefault("API_SECRET_KEY", ""),

		TwilioAccountSID:      getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:       getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
		TwilioValidateWebhook: getEnvAsBoolOrDefault("TWILIO_VALIDATE_WEBHOOK", true),

		OpenAIAPIKey:      getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnvOrDefault("OPENAI_BASE_URL", DefaultOpenAIBaseURL),
		OpenAIRealtimeURL: getEnvOrDefault("OPENAI_REALTIME_URL", DefaultOpenAIRealtimeURL),
		OpenAIModel:       getEnvOrDefault("OPENAI_REALTIME_MODEL", DefaultOpenAIRealtimeModel),
		WhisperModel:      getEnvOrDefault("WHISPER_MODEL", DefaultWhisperModel),

		GeminiAPIKey: getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModel:  getEnvOrDefault("GEMINI_MODEL", DefaultGeminiModel),

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsIntOrDefault("REDIS_DB", 0),

		PubSubProjectID: getEnvOrDefault("PUBSUB_PROJECT_ID", ""),
		PubSubTopic:     getEnvOrDefault("PUBSUB_CALL_TOPIC", "voice-call-completed"),
		PubSubPrefix:    getEnvOrDefault("PUBSUB_PREFIX", ""),

		TranscriptBucket: getEnvOrDefault("TRANSCRIPT_BUCKET", ""),

		WorkerPoolSize: getEnvAsIntOrDefault("WORKER_POOL_SIZE", 64),
		TaskTimeout:    getEnvAsDurationOrDefault("TASK_TIMEOUT", 15*time.Second),

		AgentCacheTTL:  getEnvAsDurationOrDefault("AGENT_CACHE_TTL", 5*time.Minute),
		DefaultTenant:  getEnvOrDefault("DEFAULT_TENANT_ID", "default"),
		RecordingSlots: getEnvAsIntOrDefault("RECORDING_SLOTS_PER_TENANT", 4),

		Call: LoadCallConfig(),
	}

	cfg.DefaultAgent = AgentConfig{
		TenantID:     cfg.DefaultTenant,
		Channel:      ChannelPhone,
		Provider:     getEnvOrDefault("DEFAULT_PROVIDER", ProviderRealtime),
		Voice:        getEnvOrDefault("DEFAULT_VOICE", "alloy"),
		Language:     getEnvOrDefault("DEFAULT_LANGUAGE", DefaultLanguage),
		Instructions: getEnvOrDefault("DEFAULT_INSTRUCTIONS", DefaultInstructions),
		Greeting:     getEnvOrDefault("DEFAULT_GREETING", DefaultGreeting),
	}
	if phrases := os.Getenv("DEFAULT_CLOSING_PHRASES"); phrases != "" {
		cfg.DefaultAgent.ClosingPhrases = splitAndTrimStrings(phrases, ",")
	}

	return cfg
}

// RedisEnabled reports whether a Redis host was configured explicitly or by default.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != "" && c.RedisPort != ""
}

// Validate checks the minimum settings needed to serve calls.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" && c.GeminiAPIKey == "" {
		return fmt.Errorf("no provider credentials: set OPENAI_API_KEY or GEMINI_API_KEY")
	}
	if c.StreamTokenSecret == "" {
		return fmt.Errorf("STREAM_TOKEN_SECRET is required")
	}
	return c.Call.Validate()
}

// getDynamicInstanceID generates a unique identifier for this service instance.
// It first tries to use the system hostname (pod name in K8s),
// then falls back to a timestamp-based ID.
func getDynamicInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("voice-bridge-%d", time.Now().UnixNano())
}
