package event

import (
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LoggingMiddleware provides logging for all events
func LoggingMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		start := time.Now()
		defer func() {
			if event.IsError() {
				logger.Base().Error("Event handler failed", zap.String("type", string(event.Type)), zap.String("call_id", event.CallID), zap.Error(event.Error))
				return
			}
			logger.Base().Debug("Event handler completed", zap.String("type", string(event.Type)), zap.String("call_id", event.CallID), zap.Duration("duration", time.Since(start)))
		}()

		next(event)
	}
}

// RecoveryMiddleware provides panic recovery for event handlers
func RecoveryMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		defer func() {
			if r := recover(); r != nil {
				logger.Base().Error("Panic in event handler",
					zap.String("type", string(event.Type)),
					zap.String("call_id", event.CallID),
					zap.Error(fmt.Errorf("handler panic: %v", r)))
			}
		}()

		next(event)
	}
}

// TimeoutMiddleware stops waiting for a handler after timeout. The handler
// itself keeps running; only the worker is released.
func TimeoutMiddleware(timeout time.Duration) EventMiddleware {
	return func(next EventHandler) EventHandler {
		return func(event *CallEvent) {
			done := make(chan struct{})

			go func() {
				defer close(done)
				next(event)
			}()

			select {
			case <-done:
			case <-time.After(timeout):
				logger.Base().Warn("Event handler timeout", zap.String("type", string(event.Type)), zap.String("call_id", event.CallID), zap.Duration("timeout", timeout))
			}
		}
	}
}

// ValidationMiddleware validates events before processing
func ValidationMiddleware(next EventHandler) EventHandler {
	return func(event *CallEvent) {
		if event == nil {
			logger.Base().Error("Received nil event")
			return
		}
		if event.Type == "" {
			logger.Base().Error("Event type is empty", zap.String("call_id", event.CallID))
			return
		}
		if event.CallID == "" {
			logger.Base().Error("Call ID is empty", zap.String("type", string(event.Type)))
			return
		}
		if err := validateEventData(event); err != nil {
			logger.Base().Error("Invalid event data", zap.String("type", string(event.Type)), zap.String("call_id", event.CallID), zap.Error(err))
			return
		}

		next(event)
	}
}

// RateLimitMiddleware drops events beyond eventsPerSecond
func RateLimitMiddleware(eventsPerSecond int) EventMiddleware {
	limiter := rate.NewLimiter(rate.Limit(eventsPerSecond), eventsPerSecond)

	return func(next EventHandler) EventHandler {
		return func(event *CallEvent) {
			if !limiter.Allow() {
				logger.Base().Warn("Event dropped due to rate limiting", zap.String("type", string(event.Type)), zap.String("call_id", event.CallID))
				return
			}
			next(event)
		}
	}
}

// DeduplicationMiddleware drops repeated call.started and call.completed
// events for the same call within window. State changes pass through.
func DeduplicationMiddleware(window time.Duration) EventMiddleware {
	var mu sync.Mutex
	seen := make(map[string]time.Time)

	return func(next EventHandler) EventHandler {
		return func(event *CallEvent) {
			if event.Type == CallStateChanged {
				next(event)
				return
			}
			key := fmt.Sprintf("%s:%s", event.Type, event.CallID)
			now := time.Now()

			mu.Lock()
			for k, at := range seen {
				if now.Sub(at) > window {
					delete(seen, k)
				}
			}
			if last, ok := seen[key]; ok && now.Sub(last) < window {
				mu.Unlock()
				logger.Base().Debug("Duplicate event within window", zap.String("type", string(event.Type)), zap.String("call_id", event.CallID))
				return
			}
			seen[key] = now
			mu.Unlock()

			next(event)
		}
	}
}

func validateEventData(event *CallEvent) error {
	switch event.Type {
	case CallStateChanged:
		if _, ok := event.GetStateChange(); !ok {
			return fmt.Errorf("state change data is required for %s", event.Type)
		}
	case CallCompleted:
		if _, ok := event.GetSummary(); !ok {
			return fmt.Errorf("call summary is required for %s", event.Type)
		}
	}
	return nil
}

// CreateDefaultMiddlewareChain creates the middleware chain used in production
func CreateDefaultMiddlewareChain() []EventMiddleware {
	return []EventMiddleware{
		RecoveryMiddleware,
		ValidationMiddleware,
		LoggingMiddleware,
		DeduplicationMiddleware(5 * time.Second),
	}
}
