package provider

import (
	"context"
	"time"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

// ConnectWithRetry runs connect up to attempts times, doubling backoff after
// each failure. Exhaustion returns an *Error of kind ErrProviderConnect.
func ConnectWithRetry(ctx context.Context, callID string, attempts int, backoff time.Duration, connect func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = connect(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Base().Info("Provider connected after retry",
					zap.String("call_id", callID), zap.Int("attempt", attempt))
			}
			return nil
		}
		logger.Base().Warn("Provider connect failed",
			zap.String("call_id", callID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr))

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return NewConnectError(ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	return NewConnectError(lastErr)
}
