package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	corecall "github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/internal/core/task"
	callsvc "github.com/ClareAI/astra-voice-bridge/internal/services/call"
	"github.com/ClareAI/astra-voice-bridge/pkg/redis"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// CallBridge is the call service surface used by the HTTP layer.
type CallBridge interface {
	Serve(ctx context.Context, transport corecall.Transport, req callsvc.StreamRequest) (corecall.Summary, error)
	Hangup(ctx context.Context, callID string) error
	ActiveCount() int
	ActiveCalls() []callsvc.ActiveCallInfo
	IsShuttingDown() bool
}

// AgentInvalidator drops cached agent configuration.
type AgentInvalidator interface {
	Invalidate(tenantID, channel string) int
}

// WebhookValidator checks Twilio request signatures.
type WebhookValidator interface {
	IsEnabled() bool
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// Deps wires the HTTP handlers. Tracker, Agents, Redis, Pool and Webhooks are optional.
type Deps struct {
	Config   *config.Config
	Calls    CallBridge
	Tracker  *event.CallTracker
	Agents   AgentInvalidator
	Redis    redis.RedisServiceInterface
	Pool     *task.Pool
	Webhooks WebhookValidator
}

// HandlerManager owns the HTTP handlers and admission state
type HandlerManager struct {
	deps     Deps
	cfg      *config.Config
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	streams  atomic.Int64
	now      func() time.Time
}

func NewHandlerManager(deps Deps) *HandlerManager {
	cfg := deps.Config
	burst := cfg.CallBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.CallsPerSecond > 0 {
		limit = rate.Limit(cfg.CallsPerSecond)
	}
	return &HandlerManager{
		deps:    deps,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio does not send an Origin header; the stream token authenticates.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// SetupRoutes builds the router for the bridge
func (h *HandlerManager) SetupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(GlobalLoggingMiddleware)
	if h.cfg.EnableCORS {
		router.Use(CORSMiddleware)
	}

	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	router.HandleFunc("/twilio/voice", h.handleVoiceWebhook).Methods(http.MethodPost)
	router.HandleFunc("/twilio/media", h.handleMediaStream).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(APIKeyMiddleware(h.cfg.APISecretKey))
	api.HandleFunc("/calls", h.handleListCalls).Methods(http.MethodGet)
	api.HandleFunc("/calls/{call_id}/hangup", h.handleHangupCall).Methods(http.MethodPost)
	api.HandleFunc("/agents/{tenant_id}/cache", h.handleInvalidateAgent).Methods(http.MethodDelete)

	return router
}
