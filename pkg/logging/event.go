package logging

import (
	"encoding/json"
	"time"
)

// Event is the canonical structured event emitted by every subsystem:
// the session state machine, the ACL, the control server, and the
// mirror engine. Required fields: Timestamp, ServerID, EventType,
// Summary. Optional fields use omitempty tags.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	ServerID  string          `json:"server_id"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Peer      string          `json:"peer,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event type constants.
const (
	EventSessionOpen    = "session_open"
	EventSessionClose   = "session_close"
	EventProtocolError  = "protocol_error"
	EventACLDecision    = "acl_decision"
	EventACLUpdated     = "acl_updated"
	EventMirrorStarted  = "mirror_started"
	EventMirrorPassDone = "mirror_pass_done"
	EventMirrorFinished = "mirror_finished"
	EventControlCommand = "control_command"
)

// SessionCloseData is the data payload for session_close events.
type SessionCloseData struct {
	Reason string `json:"reason"` // "eof", "protocol_fatal", "io_error"
}

// ACLDecisionData is the data payload for acl_decision events.
type ACLDecisionData struct {
	Allowed bool `json:"allowed"`
}

// ACLUpdatedData is the data payload for acl_updated events.
type ACLUpdatedData struct {
	EntryCount  int  `json:"entry_count"`
	DefaultDeny bool `json:"default_deny"`
}

// MirrorStartedData is the data payload for mirror_started events.
type MirrorStartedData struct {
	Upstream string `json:"upstream"`
	Action   string `json:"action"` // "exit" or "nothing"
}

// MirrorPassDoneData is the data payload for mirror_pass_done events.
type MirrorPassDoneData struct {
	Pass          int   `json:"pass"`
	WrittenBytes  int64 `json:"written_bytes"`
	Final         bool  `json:"final"`
	Promoted      bool  `json:"promoted"`
}

// MirrorFinishedData is the data payload for mirror_finished events.
type MirrorFinishedData struct {
	Passes    int    `json:"passes"`
	Abandoned bool   `json:"abandoned"`
	Action    string `json:"action"`
}

// ControlCommandData is the data payload for control_command events.
type ControlCommandData struct {
	Command string `json:"command"`
	Code    int    `json:"code"`
}
