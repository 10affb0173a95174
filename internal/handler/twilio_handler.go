package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/twilio"
	"go.uber.org/zap"
)

const (
	mediaStreamPath  = "/twilio/media"
	streamTokenParam = "token"
	tenantParam      = "tenant_id"
	channelParam     = "channel"
)

// handleVoiceWebhook answers Twilio's incoming-call webhook with a
// <Connect><Stream> pointing back at this service.
func (h *HandlerManager) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	if h.cfg.TwilioValidateWebhook && h.deps.Webhooks != nil && h.deps.Webhooks.IsEnabled() {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := h.externalURL(r, "https") + r.URL.RequestURI()
		if !h.deps.Webhooks.ValidateWebhook(url, params, r.Header.Get("X-Twilio-Signature")) {
			logger.Base().Warn("rejected twilio webhook with bad signature",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("call_sid", r.PostForm.Get("CallSid")))
			writeError(w, http.StatusForbidden, "invalid signature")
			return
		}
	}

	callSID := r.PostForm.Get("CallSid")
	if callSID == "" {
		writeError(w, http.StatusBadRequest, "CallSid is required")
		return
	}
	tenantID := r.URL.Query().Get(tenantParam)
	if tenantID == "" {
		tenantID = h.cfg.DefaultTenant
	}

	token, err := IssueStreamToken(h.cfg.StreamTokenSecret, callSID, tenantID, h.cfg.StreamTokenTTL, h.now())
	if err != nil {
		logger.Base().Error("failed to issue stream token", zap.String("call_sid", callSID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stream token unavailable")
		return
	}

	params := map[string]string{
		streamTokenParam: token,
		tenantParam:      tenantID,
	}
	if channel := r.URL.Query().Get(channelParam); channel != "" {
		params[channelParam] = channel
	}
	twiml, err := twilio.ConnectStreamTwiML(h.externalURL(r, "wss")+mediaStreamPath, params)
	if err != nil {
		logger.Base().Error("failed to render twiml", zap.String("call_sid", callSID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "twiml unavailable")
		return
	}

	logger.Base().Info("answering incoming call",
		zap.String("call_sid", callSID),
		zap.String("tenant_id", tenantID),
		zap.String("from", r.PostForm.Get("From")))
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(twiml))
}

// externalURL is the scheme and host Twilio uses to reach this service.
func (h *HandlerManager) externalURL(r *http.Request, scheme string) string {
	host := h.cfg.PublicHost
	if host == "" {
		host = r.Host
	}
	host = strings.TrimSuffix(host, "/")
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}
