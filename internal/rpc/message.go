// Package rpc implements the duplex control-channel protocol from
// §4.2: length-delimited JSON-RPC 2.0 objects exchanged over a
// full-duplex stream, where either side may issue requests,
// responses, or notifications at any time. Request IDs are positive
// from the initiating peer and negative from the accepting peer so
// the two ID spaces never collide.
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/holesch/not-my-board/internal/core"
)

// Message is the wire representation of one JSON-RPC 2.0 frame.
// Exactly one of (Method, Result, Error) is meaningful depending on
// whether this is a request/notification, a success response, or an
// error response. Requests and notifications are distinguished by
// whether ID is nil.
type Message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. Code carries the core.ErrorCode
// taxonomy as a string so that peers never need to share Go types.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func (m *Message) isRequest() bool      { return m.ID != nil && m.Method != "" }
func (m *Message) isNotification() bool { return m.ID == nil && m.Method != "" }
func (m *Message) isResponse() bool     { return m.ID != nil && m.Method == "" }

// ToDomainError converts an error returned from Conn.Call back into a
// *core.DomainError, so callers can branch on its taxonomy Code.
// Errors that didn't originate as a wire Error map to CodeProtocol.
func ToDomainError(err error) *core.DomainError {
	if err == nil {
		return nil
	}
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return &core.DomainError{Code: core.ErrorCode(wireErr.Code), Message: wireErr.Message}
	}
	return &core.DomainError{Code: core.CodeProtocol, Message: err.Error()}
}
