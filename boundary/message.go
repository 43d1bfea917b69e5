package boundary

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the only payload shape allowed across the host/worker boundary.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	PluginID  string          `json:"plugin_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Message types the boundary recognizes. Anything else fails schema
// validation when it is enabled.
const (
	MsgHookInvoke  = "hook:invoke"
	MsgHookResult  = "hook:result"
	MsgJob         = "job"
	MsgJobResult   = "job:result"
	MsgEvent       = "event"
	MsgLog         = "log"
	MsgError       = "error"
	MsgShutdown    = "shutdown"
	MsgShutdownAck = "shutdown:ack"
	MsgHealthPing  = "health:ping"
	MsgHealthPong  = "health:pong"
)

var knownMessageTypes = map[string]bool{
	MsgHookInvoke:  true,
	MsgHookResult:  true,
	MsgJob:         true,
	MsgJobResult:   true,
	MsgEvent:       true,
	MsgLog:         true,
	MsgError:       true,
	MsgShutdown:    true,
	MsgShutdownAck: true,
	MsgHealthPing:  true,
	MsgHealthPong:  true,
}

// validateMessage checks the structural contract every boundary message must
// satisfy: non-empty id and plugin id, a known type, and a payload that is
// either absent or valid JSON.
func validateMessage(m *Message) error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.PluginID == "" {
		return fmt.Errorf("message plugin id is required")
	}
	if !knownMessageTypes[m.Type] {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("message payload is not valid JSON")
	}
	return nil
}
