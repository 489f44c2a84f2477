// Package protocol defines the JSON wire format spoken over a broker
// connection. Every frame is a single JSON object. Inbound frames carry an
// action name plus action-specific parameters; outbound frames echo the
// action and report success or a typed error code.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound action names.
const (
	ActionJoinOrCreateRoom = "joinOrCreateRoom"
	ActionSendMessage      = "sendMessage"
	ActionFetchMessages    = "fetchMessages"
	ActionEditMessage      = "editMessage"
	ActionDeleteMessage    = "deleteMessage"
	ActionChangeSettings   = "changeSettings"
	ActionKickUser         = "kickUser"
)

// Server-initiated broadcast action names.
const (
	ActionBroadcastMessage = "broadcastMessage"
	ActionMessageEdited    = "messageEdited"
	ActionMessageDeleted   = "messageDeleted"
	ActionSettingsChanged  = "settingsChanged"
	ActionUserKicked       = "userKicked"
	ActionKicked           = "kicked"
)

// Frame statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrInvalidFrame indicates the inbound bytes were not a JSON object with an
// action field.
var ErrInvalidFrame = errors.New("invalid frame")

// Envelope is the minimal inbound frame shape: the action name plus the raw
// bytes, kept for a second decode into the action's parameter struct.
type Envelope struct {
	Action string `json:"action"`

	raw []byte
}

// DecodeEnvelope parses the action name out of an inbound frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	env.raw = data
	return &env, nil
}

// Params decodes the frame's parameters into v.
func (e *Envelope) Params(v interface{}) error {
	if err := json.Unmarshal(e.raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// Response is the outbound frame shape. Data is action-specific; Error is set
// only when Status is "error".
type Response struct {
	Action string      `json:"action"`
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  ErrorCode   `json:"error,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

// Success builds a success response for an action.
func Success(action string, data interface{}) *Response {
	return &Response{Action: action, Status: StatusSuccess, Data: data}
}

// Failure builds an error response carrying a typed error code and an
// optional human-readable detail.
func Failure(action string, code ErrorCode, detail string) *Response {
	return &Response{Action: action, Status: StatusError, Error: code, Detail: detail}
}

// Encode serializes a response frame.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}
