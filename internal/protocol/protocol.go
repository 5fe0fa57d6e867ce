// Package protocol defines the JSON message vocabulary spoken between
// the browser and the gateway. One WebSocket carries many sessions;
// every session-scoped message names its session explicitly.
package protocol

import "encoding/json"

// Client → server message types.
const (
	TypeInput           = "input"
	TypeResize          = "resize"
	TypePing            = "ping"
	TypeCreateSession   = "create_session"
	TypeCloseSession    = "close_session"
	TypeRenameSession   = "rename_session"
	TypeListSessions    = "list_sessions"
	TypeReattachSession = "reattach_session"
)

// Server → client message types.
const (
	TypeOutput            = "output"
	TypeSession           = "session"
	TypeError             = "error"
	TypePong              = "pong"
	TypeSessionCreated    = "session_created"
	TypeSessionClosed     = "session_closed"
	TypeSessionRenamed    = "session_renamed"
	TypeSessionList       = "session_list"
	TypeSessionReattached = "session_reattached"
	TypeScrollback        = "scrollback"
)

// Session lifecycle events carried by a "session" message.
const (
	EventExited   = "exited"
	EventDetached = "detached"
	EventStopped  = "stopped"
)

// Error codes. Codes a client is expected to branch on are stable.
const (
	ErrCodeNotFound        = "SESSION_NOT_FOUND"
	ErrCodeExited          = "SESSION_EXITED"
	ErrCodeAlreadyAttached = "session_already_attached"
	ErrCodeLimitReached    = "SESSION_LIMIT_REACHED"
	ErrCodeInvalid         = "INVALID_REQUEST"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Message is the wire envelope. Fields beyond Type are optional and
// message-dependent; unknown types are ignored by both sides so old
// clients keep working against newer servers.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// Data carries terminal bytes (input, output, scrollback),
	// base64-encoded so raw escape sequences survive JSON text frames.
	Data string `json:"data,omitempty"`

	// Terminal geometry for resize / create_session / reattach_session.
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// create_session / rename_session.
	Kind           string `json:"kind,omitempty"`
	Label          string `json:"label,omitempty"`
	Dir            string `json:"dir,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// reattach_session.
	Takeover bool `json:"takeover,omitempty"`

	// session_reattached.
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	Shell            string `json:"shell,omitempty"`

	// session lifecycle events.
	Event    string `json:"event,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// session_created / session_list payloads.
	Session  json.RawMessage `json:"session,omitempty"`
	Sessions json.RawMessage `json:"sessions,omitempty"`

	// error payload.
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}
