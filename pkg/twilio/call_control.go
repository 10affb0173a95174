package twilio

import (
	"context"
	"fmt"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

const callStatusCompleted = "completed"

// CallUpdater is the subset of the Twilio REST API used to control a live call.
type CallUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// CallControl ends or redirects PSTN legs and validates webhook signatures.
// If accountSID or authToken is empty, REST control is disabled.
type CallControl struct {
	updater   CallUpdater
	validator client.RequestValidator
	enabled   bool
}

func NewCallControl(accountSID, authToken string) *CallControl {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, call control disabled")
		return &CallControl{}
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken})
	return NewCallControlWithUpdater(rest.Api, authToken)
}

// NewCallControlWithUpdater builds a CallControl around an existing API client.
func NewCallControlWithUpdater(updater CallUpdater, authToken string) *CallControl {
	return &CallControl{
		updater:   updater,
		validator: client.NewRequestValidator(authToken),
		enabled:   updater != nil && authToken != "",
	}
}

func (c *CallControl) IsEnabled() bool {
	return c.enabled
}

// EndCall completes the call identified by callSID.
func (c *CallControl) EndCall(ctx context.Context, callSID string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus(callStatusCompleted)
	return c.update(ctx, callSID, params, "end")
}

// SayAndHangup replaces the call's TwiML with a spoken message followed by a hangup.
func (c *CallControl) SayAndHangup(ctx context.Context, callSID, text string) error {
	twiml, err := SayHangupTwiML(text)
	if err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(twiml)
	return c.update(ctx, callSID, params, "say_hangup")
}

func (c *CallControl) update(ctx context.Context, callSID string, params *api.UpdateCallParams, op string) error {
	if !c.enabled {
		return fmt.Errorf("twilio call control is disabled")
	}
	if callSID == "" {
		return fmt.Errorf("call sid is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := c.updater.UpdateCall(callSID, params)
	if err != nil {
		logger.Base().Error("Twilio call update failed", zap.String("call_sid", callSID), zap.String("op", op), zap.Error(err))
		return fmt.Errorf("twilio %s %s: %w", op, callSID, err)
	}

	fields := []zap.Field{zap.String("call_sid", callSID), zap.String("op", op)}
	if resp != nil && resp.Status != nil {
		fields = append(fields, zap.String("status", *resp.Status))
	}
	logger.Base().Info("Twilio call updated", fields...)
	return nil
}

// ValidateWebhook checks the X-Twilio-Signature of a form-encoded webhook.
// With control disabled every request passes.
func (c *CallControl) ValidateWebhook(url string, params map[string]string, signature string) bool {
	if !c.enabled {
		return true
	}
	return c.validator.Validate(url, params, signature)
}
