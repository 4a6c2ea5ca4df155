// Package wsproto defines Switchboard's ws wire frames (spec §6): the
// self-describing `{command: <name>, ...}` shape shared by both the
// ws_iodata and ws_ctrl streams, and the client→server command envelope.
package wsproto

import (
	"encoding/json"
	"fmt"

	"switchboard/internal/statetable"
)

// CommandStatus mirrors a response's optional severity; its absence means OK.
type CommandStatus string

const (
	StatusWarning CommandStatus = "WARNING"
	StatusError   CommandStatus = "ERROR"
)

// UpdateTable is the iodata "reset" frame.
type UpdateTable struct {
	Command string           `json:"command"` // "update_table"
	Table   statetable.Table `json:"table"`
}

// UpdateFields is the iodata "diff" frame.
type UpdateFields struct {
	Command string                   `json:"command"` // "update_fields"
	Fields  []statetable.FieldUpdate `json:"fields"`
}

// UpdateConfig is sent to ws_ctrl subscribers on connect and on every
// config change.
type UpdateConfig struct {
	Command string `json:"command"` // "update_config"
	Config  any    `json:"config"`
}

// Response is a decoder step's outbound frame.
type Response struct {
	Command         string        `json:"command"` // "response"
	DisplayText     string        `json:"display_text"`
	CommandFinished bool          `json:"command_finished"`
	GetInput        bool          `json:"get_input"`
	CommandStatus   CommandStatus `json:"command_status,omitempty"`
}

func NewUpdateTable(t statetable.Table) UpdateTable {
	return UpdateTable{Command: "update_table", Table: t}
}

func NewUpdateFields(f []statetable.FieldUpdate) UpdateFields {
	return UpdateFields{Command: "update_fields", Fields: f}
}

func NewUpdateConfig(cfg any) UpdateConfig {
	return UpdateConfig{Command: "update_config", Config: cfg}
}

// Incoming is the client→ctrl frame: either a named command with a list of
// string arguments, or the special "user_input" resumption frame.
type Incoming struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Text    string   `json:"text,omitempty"`
}

const UserInputCommand = "user_input"

// ParseIncoming decodes one client→ctrl text frame.
func ParseIncoming(raw []byte) (Incoming, error) {
	var in Incoming
	if err := json.Unmarshal(raw, &in); err != nil {
		return Incoming{}, fmt.Errorf("malformed ctrl command: %w", err)
	}
	if in.Command == "" {
		return Incoming{}, fmt.Errorf("ctrl command missing \"command\" field")
	}
	return in, nil
}
