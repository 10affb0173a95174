package provider

import (
	"errors"
	"fmt"

	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
)

// Error kinds surfaced by the call pipeline.
var (
	ErrTransport               = errors.New("transport error")
	ErrProviderConnect         = errors.New("provider connect error")
	ErrProviderProtocol        = errors.New("provider protocol error")
	ErrFrameAccountingMismatch = errors.New("frame accounting mismatch")
	ErrBackpressureTimeout     = audio.ErrBackpressureTimeout
)

// CodeCancelNotActive is reported when a cancel targets a response the
// provider no longer considers active.
const CodeCancelNotActive = "response_cancel_not_active"

// Error carries a taxonomy kind plus the response it concerns, if any.
type Error struct {
	Kind       error
	Code       string
	ResponseID string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.ResponseID != "" {
		msg += " response=" + e.ResponseID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CancelNotActive reports whether the provider rejected a cancel because the
// response had already finished.
func (e *Error) CancelNotActive() bool {
	return e != nil && e.Code == CodeCancelNotActive
}

func NewProtocolError(code, responseID string, err error) *Error {
	return &Error{Kind: ErrProviderProtocol, Code: code, ResponseID: responseID, Err: err}
}

func NewConnectError(err error) *Error {
	return &Error{Kind: ErrProviderConnect, Err: err}
}

func NewTransportError(err error) *Error {
	return &Error{Kind: ErrTransport, Err: err}
}

func NewAccountingError(responseID string, expected, forwarded int) *Error {
	return &Error{
		Kind:       ErrFrameAccountingMismatch,
		ResponseID: responseID,
		Err:        fmt.Errorf("expected %d frames, forwarded %d", expected, forwarded),
	}
}
