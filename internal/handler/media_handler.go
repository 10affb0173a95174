package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/adapters/telephony"
	callsvc "github.com/ClareAI/astra-voice-bridge/internal/services/call"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
)

const startTimeout = 10 * time.Second

// admit applies the shutdown gate, the new-stream rate limit and the
// concurrent call cap. A true result must be paired with release.
func (h *HandlerManager) admit() (bool, string) {
	if h.deps.Calls.IsShuttingDown() {
		return false, "shutting down"
	}
	if !h.limiter.Allow() {
		return false, "call rate limit exceeded"
	}
	if n := h.streams.Add(1); h.cfg.MaxConcurrentCalls > 0 && n > int64(h.cfg.MaxConcurrentCalls) {
		h.streams.Add(-1)
		return false, "too many concurrent calls"
	}
	return true, ""
}

func (h *HandlerManager) release() {
	h.streams.Add(-1)
}

// handleMediaStream upgrades a Twilio media stream, authenticates its start
// message and bridges it until the call ends.
func (h *HandlerManager) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	ok, reason := h.admit()
	if !ok {
		logger.Base().Warn("media stream rejected", zap.String("reason", reason), zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusServiceUnavailable, reason)
		return
	}
	defer h.release()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Warn("media stream upgrade failed", zap.Error(err))
		return
	}
	conn := telephony.NewConn(ws, h.cfg.Call.TXQueueCapacity)

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	info, err := conn.AwaitStart(ctx)
	cancel()
	if err != nil {
		logger.Base().Warn("media stream ended before start", zap.Error(err))
		_ = conn.Close()
		return
	}

	claims, err := ParseStreamToken(h.cfg.StreamTokenSecret, info.CustomParameters[streamTokenParam], info.CallSID)
	if err != nil {
		logger.Base().Warn("media stream rejected",
			zap.String("call_sid", info.CallSID),
			zap.String("stream_sid", info.StreamSID),
			zap.Error(err))
		_ = conn.Close()
		return
	}

	req := callsvc.StreamRequest{
		CallSID:   info.CallSID,
		StreamSID: info.StreamSID,
		TenantID:  claims.TenantID,
		Channel:   info.CustomParameters[channelParam],
	}
	summary, err := h.deps.Calls.Serve(context.Background(), conn, req)
	if err != nil {
		logger.Base().Error("failed to bridge media stream",
			zap.String("call_sid", info.CallSID),
			zap.String("tenant_id", claims.TenantID),
			zap.Error(err))
		_ = conn.Close()
		return
	}

	in, out, drops := conn.Stats()
	logger.Base().Info("media stream closed",
		zap.String("call_id", summary.CallID),
		zap.String("call_sid", info.CallSID),
		zap.String("reason", summary.Reason),
		zap.Int64("frames_in", in),
		zap.Int64("frames_out", out),
		zap.Int64("inbound_drops", drops))
}
