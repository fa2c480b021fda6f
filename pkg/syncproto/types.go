// Package syncproto defines the JSON messages exchanged between sync
// clients and the server.
package syncproto

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"gihan9a/groupsync/pkg/actions"
	"gihan9a/groupsync/pkg/document"
)

// Request actions.
const (
	ActionRegister = "register"   // join a session, creating one when Session is empty
	ActionRequest  = "request"    // ask for the full state
	ActionSync     = "syncAction" // submit actions
	ActionCheck    = "check"      // compare state hashes
	ActionExternal = "external"   // run a lock-guarded external job
)

// Response types.
const (
	TypeRegistration = "registration-success"
	TypeState        = "state"
	TypeAction       = "action"
	TypeSyncSuccess  = "sync-success"
	TypeSyncFailed   = "sync-failed"
	TypeCheckSuccess = "check-success"
	TypeProgress     = "progress"
	TypeError        = "error"
)

// Sync failure reasons.
const (
	ReasonNoDiff      = "no-diff"
	ReasonError       = "error"
	ReasonMaxAttempts = "max-attempts"
)

// Progress types for external jobs.
const (
	ProgressStarted   = "started"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
)

// Request is a client to server message.
type Request struct {
	Action  string          `json:"action"`            // Action selects the handler
	Session string          `json:"session,omitempty"` // Session is empty only when registering a new session
	Data    json.RawMessage `json:"data,omitempty"`    // Data depends on Action
	CheckID string          `json:"checkId,omitempty"` // CheckID correlates a check with its reply
}

// SyncData is the payload of a syncAction request.
type SyncData struct {
	Actions []actions.Tagged `json:"actions"`
}

// ExternalData is the payload of an external request.
type ExternalData struct {
	ID        string          `json:"id"`                // ID names the job in progress messages
	Operation string          `json:"operation"`         // Operation selects the external call
	Payload   json.RawMessage `json:"payload,omitempty"` // Payload is passed through to the external call
}

// Progress reports on an external job.
type Progress struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

// Response is a server to client message.
type Response struct {
	Type      string            `json:"type"`
	Session   string            `json:"session"`
	State     *document.Partial `json:"state,omitempty"`     // State is set on state responses
	Actions   []actions.Tagged  `json:"actions,omitempty"`   // Actions is set on action broadcasts
	ActionIDs []string          `json:"actionIds,omitempty"` // ActionIDs names the actions a response refers to
	Versions  VersionVector     `json:"versions,omitempty"`  // Versions of the fields the response covers
	CheckID   string            `json:"checkId,omitempty"`
	Reason    string            `json:"reason,omitempty"`  // Reason explains a sync failure
	Message   string            `json:"message,omitempty"` // Message is human readable detail
	Progress  *Progress         `json:"progress,omitempty"`
}

// DecodeRequest parses a request frame.
func DecodeRequest(data []byte) (Request, error) {
	if !gjson.ValidBytes(data) {
		return Request{}, fmt.Errorf("request is not valid JSON")
	}
	if !gjson.GetBytes(data, "action").Exists() {
		return Request{}, fmt.Errorf("request has no action")
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// NewRequest builds a request with data encoded as JSON.
func NewRequest(action, session string, data any) (Request, error) {
	req := Request{Action: action, Session: session}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s data: %w", action, err)
		}
		req.Data = raw
	}
	return req, nil
}

// SyncData decodes the payload of a syncAction request.
func (r Request) SyncData() (SyncData, error) {
	var data SyncData
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return SyncData{}, fmt.Errorf("decode sync data: %w", err)
	}
	return data, nil
}

// Hashes decodes the payload of a check request.
func (r Request) Hashes() (document.Hashes, error) {
	var h document.Hashes
	if err := json.Unmarshal(r.Data, &h); err != nil {
		return document.Hashes{}, fmt.Errorf("decode hashes: %w", err)
	}
	return h, nil
}

// ExternalData decodes the payload of an external request.
func (r Request) ExternalData() (ExternalData, error) {
	var data ExternalData
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return ExternalData{}, fmt.Errorf("decode external data: %w", err)
	}
	return data, nil
}
