package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Node type constants.
const (
	NodeTypeMessage  = "message"
	NodeTypeTemplate = "template"
	NodeTypeImage    = "image"
	NodeTypeOptions  = "options"
	NodeTypeVariable = "variable"
)

// Flow is an authored directed graph of conversational steps. Read-only to
// the engine; mutated only through flow authoring.
type Flow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is one step in a flow graph.
type Node struct {
	ID   FlexID   `json:"id"`
	Type string   `json:"type,omitempty"`
	Data NodeData `json:"data"`
}

// NodeData carries the type-specific payload of a node. Authoring tools only
// populate the fields relevant to the node's type.
type NodeData struct {
	Label        string     `json:"label,omitempty"`
	Start        bool       `json:"start,omitempty"`
	AwaitReply   bool       `json:"await_reply,omitempty"`
	Text         string     `json:"text,omitempty"`
	TemplateName string     `json:"template_name,omitempty"`
	HeaderParams []string   `json:"header_params,omitempty"`
	BodyParams   []string   `json:"body_params,omitempty"`
	Options      []string   `json:"options,omitempty"`
	Images       []ImageRef `json:"images,omitempty"`
}

// ImageRef points at an image to send: either an uploaded local file or a
// remote link.
type ImageRef struct {
	Link string `json:"link,omitempty"`
	Path string `json:"path,omitempty"`
}

// Edge is a transition between two nodes. Handle tags the logical branch:
// empty or "default" for the single neutral path, "source-N" for the N-th
// choice of an options node, and a red/negative tag for the invalid-reply
// path.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source FlexID `json:"source"`
	Target FlexID `json:"target"`
	Handle string `json:"sourceHandle,omitempty"`
}

// FlexID is a node identifier that authoring tools serialize inconsistently
// as either a JSON string or a number. It canonicalizes to a string at load
// time so all later comparisons are exact.
type FlexID string

// UnmarshalJSON accepts both string and numeric ids.
func (f *FlexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexID(n.String())
		return nil
	}
	return fmt.Errorf("node id: expected string or number, got %s", data)
}

// String returns the canonical string form.
func (f FlexID) String() string { return string(f) }
