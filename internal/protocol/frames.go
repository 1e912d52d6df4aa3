// ABOUTME: Wire frame definitions for the gateway's request/response/event protocol
// ABOUTME: Frames are JSON objects tagged by a "type" field and carried over any duplex channel

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType discriminates the three frame shapes on the wire.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Error codes returned in response frames. These are the complete error
// taxonomy of the gateway; handlers map internal errors onto one of these.
const (
	CodeInvalidRequest         = "invalid_request"
	CodeMethodNotFound         = "method_not_found"
	CodeNotFound               = "not_found"
	CodeNotOwner               = "not_owner"
	CodeAlreadyRunning         = "already_running"
	CodeConcurrentModification = "concurrent_modification"
	CodeUnavailable            = "unavailable"
	CodeProviderMismatch       = "provider_mismatch"
	CodeExhausted              = "exhausted"
	CodeInternal               = "internal"
)

// DecodeError reports a frame that could not be decoded. It is distinct from
// transport errors so callers can decide whether to drop the frame or the
// connection.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode frame: " + e.Reason
}

// ErrorDetail is the error payload of a failed response frame.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an ErrorDetail with a formatted message.
func Errorf(code, format string, args ...any) *ErrorDetail {
	return &ErrorDetail{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Frame is the tagged union carried on the wire. Exactly the fields for the
// frame's type are populated; Decode rejects frames that violate that.
type Frame struct {
	Type FrameType `json:"type"`

	// Request fields.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields (ID correlates to the request).
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`

	// Event fields.
	Event string `json:"event,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`
}

// NewRequest builds a request frame. Params may be any JSON-marshalable value.
func NewRequest(id, method string, params any) (*Frame, error) {
	raw, err := marshalRaw(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params for %s: %w", method, err)
	}
	return &Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a success response frame correlated to a request id.
func NewResponse(id string, payload any) (*Frame, error) {
	raw, err := marshalRaw(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling response payload: %w", err)
	}
	return &Frame{Type: FrameResponse, ID: id, OK: true, Payload: raw}, nil
}

// NewErrorResponse builds a failure response frame.
func NewErrorResponse(id string, detail *ErrorDetail) *Frame {
	return &Frame{Type: FrameResponse, ID: id, Error: detail}
}

// NewEvent builds an event frame. Seq is assigned by the connection at send
// time, not here.
func NewEvent(event string, payload any) (*Frame, error) {
	raw, err := marshalRaw(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling event payload for %s: %w", event, err)
	}
	return &Frame{Type: FrameEvent, Event: event, Payload: raw}, nil
}

func marshalRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// Encode serializes a frame after validating its shape.
func Encode(f *Frame) ([]byte, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses and validates a frame. All failures are *DecodeError.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if err := validate(&f); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &DecodeError{Reason: err.Error()}
	}
	return &f, nil
}

func validate(f *Frame) error {
	switch f.Type {
	case FrameRequest:
		if f.ID == "" {
			return &DecodeError{Reason: "request frame missing id"}
		}
		if f.Method == "" {
			return &DecodeError{Reason: "request frame missing method"}
		}
		if f.Event != "" || f.Seq != 0 {
			return &DecodeError{Reason: "request frame carries event fields"}
		}
	case FrameResponse:
		if f.ID == "" {
			return &DecodeError{Reason: "response frame missing id"}
		}
		if f.OK && f.Error != nil {
			return &DecodeError{Reason: "response frame is both ok and error"}
		}
		if !f.OK && f.Error == nil {
			return &DecodeError{Reason: "response frame is neither ok nor error"}
		}
		if f.Method != "" || f.Event != "" {
			return &DecodeError{Reason: "response frame carries foreign fields"}
		}
	case FrameEvent:
		if f.Event == "" {
			return &DecodeError{Reason: "event frame missing event name"}
		}
		if f.ID != "" || f.Method != "" {
			return &DecodeError{Reason: "event frame carries request fields"}
		}
	default:
		return &DecodeError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
	return nil
}
