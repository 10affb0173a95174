package handler

import (
	"errors"
	"net/http"

	"github.com/ClareAI/astra-voice-bridge/internal/cache"
	callsvc "github.com/ClareAI/astra-voice-bridge/internal/services/call"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (h *HandlerManager) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.deps.Calls.IsShuttingDown() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{
		"status":       status,
		"instance_id":  h.cfg.InstanceID,
		"active_calls": h.deps.Calls.ActiveCount(),
	}
	if h.deps.Pool != nil {
		body["workers"] = h.deps.Pool.Stats()
	}
	writeJSON(w, code, body)
}

func (h *HandlerManager) handleListCalls(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"active": h.deps.Calls.ActiveCalls(),
	}
	if h.deps.Tracker != nil {
		body["tracked"] = h.deps.Tracker.List()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *HandlerManager) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]
	err := h.deps.Calls.Hangup(r.Context(), callID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID, "status": "closing"})
	case errors.Is(err, callsvc.ErrCallNotFound):
		writeError(w, http.StatusNotFound, "call not found")
	default:
		logger.Base().Error("failed to hang up call", zap.String("call_id", callID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "hangup failed")
	}
}

// handleInvalidateAgent drops the tenant's cached agent here and, through
// Redis, on every other pod.
func (h *HandlerManager) handleInvalidateAgent(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
	channel := r.URL.Query().Get(channelParam)

	removed := 0
	if h.deps.Agents != nil {
		removed = h.deps.Agents.Invalidate(tenantID, channel)
	}
	broadcast := false
	if h.deps.Redis != nil {
		if err := cache.PublishInvalidation(r.Context(), h.deps.Redis, tenantID, channel); err != nil {
			logger.Base().Warn("failed to broadcast agent invalidation", zap.String("tenant_id", tenantID), zap.Error(err))
		} else {
			broadcast = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"removed":   removed,
		"broadcast": broadcast,
	})
}
