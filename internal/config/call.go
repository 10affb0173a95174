package config

import (
	"fmt"
	"time"
)

// Call pipeline defaults, overridable per deployment.
const (
	DefaultOutputQueueCapacity = 400 // ~8s of 20ms frames
	DefaultPacingThreshold     = 0.6
	DefaultPacingDelay         = 20 * time.Millisecond
	DefaultPushTimeout         = 500 * time.Millisecond
	DefaultMaxDropOnTimeout    = 5
	DefaultTXQueueCapacity     = 50
	DefaultFramePeriod         = 20 * time.Millisecond

	DefaultBargeInMinAge = 150 * time.Millisecond

	DefaultSilenceTimeout    = 20 * time.Second
	DefaultWatchdogInterval  = time.Second
	DefaultFirstAudioTimeout = 3 * time.Second
	DefaultStallTimeout      = 5 * time.Second
	DefaultStuckFlagTimeout  = 1500 * time.Millisecond
	DefaultTeardownTimeout   = 10 * time.Second

	DefaultConnectAttempts = 3
	DefaultConnectBackoff  = 500 * time.Millisecond

	DefaultFallbackClipPath = "static/fallback_apology.mp3"
	DefaultFallbackSay      = "We're sorry, we are unable to take your call right now. Please try again later."
)

// CallConfig holds the per-call pipeline thresholds.
type CallConfig struct {
	OutputQueueCapacity int
	PacingThreshold     float64
	PacingDelay         time.Duration
	PushTimeout         time.Duration
	MaxDropOnTimeout    int
	TXQueueCapacity     int
	FramePeriod         time.Duration

	BargeInMinAge time.Duration

	SilenceTimeout    time.Duration
	WatchdogInterval  time.Duration
	FirstAudioTimeout time.Duration
	StallTimeout      time.Duration
	StallDiagnostics  bool
	StuckFlagTimeout  time.Duration
	TeardownTimeout   time.Duration

	ConnectAttempts int
	ConnectBackoff  time.Duration

	FallbackClipPath string
	FallbackSay      string
}

// DefaultCallConfig returns the built-in thresholds.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		OutputQueueCapacity: DefaultOutputQueueCapacity,
		PacingThreshold:     DefaultPacingThreshold,
		PacingDelay:         DefaultPacingDelay,
		PushTimeout:         DefaultPushTimeout,
		MaxDropOnTimeout:    DefaultMaxDropOnTimeout,
		TXQueueCapacity:     DefaultTXQueueCapacity,
		FramePeriod:         DefaultFramePeriod,
		BargeInMinAge:       DefaultBargeInMinAge,
		SilenceTimeout:      DefaultSilenceTimeout,
		WatchdogInterval:    DefaultWatchdogInterval,
		FirstAudioTimeout:   DefaultFirstAudioTimeout,
		StallTimeout:        DefaultStallTimeout,
		StallDiagnostics:    true,
		StuckFlagTimeout:    DefaultStuckFlagTimeout,
		TeardownTimeout:     DefaultTeardownTimeout,
		ConnectAttempts:     DefaultConnectAttempts,
		ConnectBackoff:      DefaultConnectBackoff,
		FallbackClipPath:    DefaultFallbackClipPath,
		FallbackSay:         DefaultFallbackSay,
	}
}

// LoadCallConfig overlays CALL_* and PROVIDER_* environment variables on the defaults.
func LoadCallConfig() CallConfig {
	d := DefaultCallConfig()
	return CallConfig{
		OutputQueueCapacity: getEnvAsIntOrDefault("CALL_OUTPUT_QUEUE_CAPACITY", d.OutputQueueCapacity),
		PacingThreshold:     getEnvAsFloatOrDefault("CALL_PACING_THRESHOLD", d.PacingThreshold),
		PacingDelay:         getEnvAsDurationOrDefault("CALL_PACING_DELAY", d.PacingDelay),
		PushTimeout:         getEnvAsDurationOrDefault("CALL_PUSH_TIMEOUT", d.PushTimeout),
		MaxDropOnTimeout:    getEnvAsIntOrDefault("CALL_MAX_DROP_ON_TIMEOUT", d.MaxDropOnTimeout),
		TXQueueCapacity:     getEnvAsIntOrDefault("CALL_TX_QUEUE_CAPACITY", d.TXQueueCapacity),
		FramePeriod:         d.FramePeriod,
		BargeInMinAge:       getEnvAsDurationOrDefault("CALL_BARGE_IN_MIN_AGE", d.BargeInMinAge),
		SilenceTimeout:      getEnvAsDurationOrDefault("CALL_SILENCE_TIMEOUT", d.SilenceTimeout),
		WatchdogInterval:    getEnvAsDurationOrDefault("CALL_WATCHDOG_INTERVAL", d.WatchdogInterval),
		FirstAudioTimeout:   getEnvAsDurationOrDefault("CALL_FIRST_AUDIO_TIMEOUT", d.FirstAudioTimeout),
		StallTimeout:        getEnvAsDurationOrDefault("CALL_STALL_TIMEOUT", d.StallTimeout),
		StallDiagnostics:    getEnvAsBoolOrDefault("CALL_STALL_DIAGNOSTICS", d.StallDiagnostics),
		StuckFlagTimeout:    getEnvAsDurationOrDefault("CALL_STUCK_FLAG_TIMEOUT", d.StuckFlagTimeout),
		TeardownTimeout:     getEnvAsDurationOrDefault("CALL_TEARDOWN_TIMEOUT", d.TeardownTimeout),
		ConnectAttempts:     getEnvAsIntOrDefault("PROVIDER_CONNECT_ATTEMPTS", d.ConnectAttempts),
		ConnectBackoff:      getEnvAsDurationOrDefault("PROVIDER_CONNECT_BACKOFF", d.ConnectBackoff),
		FallbackClipPath:    getEnvOrDefault("CALL_FALLBACK_CLIP", d.FallbackClipPath),
		FallbackSay:         getEnvOrDefault("CALL_FALLBACK_SAY", d.FallbackSay),
	}
}

// PacingLevel is the queue occupancy at which the producer starts pacing.
func (c CallConfig) PacingLevel() int {
	level := int(float64(c.OutputQueueCapacity) * c.PacingThreshold)
	if level < 1 {
		level = 1
	}
	return level
}

// Validate rejects thresholds that would break the pipeline invariants.
func (c CallConfig) Validate() error {
	switch {
	case c.OutputQueueCapacity <= 0:
		return fmt.Errorf("output queue capacity must be positive, got %d", c.OutputQueueCapacity)
	case c.PacingThreshold <= 0 || c.PacingThreshold > 1:
		return fmt.Errorf("pacing threshold must be in (0,1], got %v", c.PacingThreshold)
	case c.PushTimeout <= 0:
		return fmt.Errorf("push timeout must be positive")
	case c.MaxDropOnTimeout <= 0 || c.MaxDropOnTimeout >= c.OutputQueueCapacity:
		return fmt.Errorf("max drop on timeout must be in [1,%d), got %d", c.OutputQueueCapacity, c.MaxDropOnTimeout)
	case c.TXQueueCapacity <= 0:
		return fmt.Errorf("tx queue capacity must be positive")
	case c.FramePeriod <= 0:
		return fmt.Errorf("frame period must be positive")
	case c.SilenceTimeout <= 0 || c.WatchdogInterval <= 0:
		return fmt.Errorf("silence timeout and watchdog interval must be positive")
	case c.ConnectAttempts <= 0:
		return fmt.Errorf("connect attempts must be positive")
	}
	return nil
}
