// Package domain defines the graph-memory types shared by the upstream client,
// the view orchestrator and the HTTP layer.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Conversation is one entry of the upstream conversation listing.
// Only ID is relied upon; the remaining fields are informational.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Type      string `json:"type,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// SeedResult is returned by the upstream when sample data is created.
type SeedResult struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids,omitempty"`
	Status         string   `json:"status,omitempty"`
}

// GraphData is a nodes/links collection as consumed by the graph widget.
type GraphData struct {
	Nodes []Node `json:"nodes"`
	Links []Link `json:"links"`
}

// Normalize replaces nil slices with empty ones so the graph always encodes
// as arrays.
func (g *GraphData) Normalize() {
	if g.Nodes == nil {
		g.Nodes = []Node{}
	}
	if g.Links == nil {
		g.Links = []Link{}
	}
}

// Node is a graph node. Fields other than id and label are kept in Attrs
// and written back unchanged.
type Node struct {
	ID    string
	Label string
	Attrs map[string]json.RawMessage
}

// Type returns the node's "type" attribute, if it is a string.
func (n Node) Type() string {
	var t string
	if raw, ok := n.Attrs["type"]; ok {
		_ = json.Unmarshal(raw, &t)
	}
	return t
}

func (n *Node) UnmarshalJSON(b []byte) error {
	fields, err := decodeObject(b)
	if err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if n.ID, err = takeID(fields, "id"); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if raw, ok := fields["label"]; ok {
		if err := json.Unmarshal(raw, &n.Label); err != nil {
			return fmt.Errorf("node %s: label: %w", n.ID, err)
		}
		delete(fields, "label")
	}
	n.Attrs = nonEmpty(fields)
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Attrs)+2)
	for k, v := range n.Attrs {
		out[k] = v
	}
	out["id"] = n.ID
	out["label"] = n.Label
	return json.Marshal(out)
}

// Link connects two node ids. Extra fields are kept in Attrs.
type Link struct {
	Source string
	Target string
	Attrs  map[string]json.RawMessage
}

func (l *Link) UnmarshalJSON(b []byte) error {
	fields, err := decodeObject(b)
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if l.Source, err = takeID(fields, "source"); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if l.Target, err = takeID(fields, "target"); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	l.Attrs = nonEmpty(fields)
	return nil
}

func (l Link) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(l.Attrs)+2)
	for k, v := range l.Attrs {
		out[k] = v
	}
	out["source"] = l.Source
	out["target"] = l.Target
	return json.Marshal(out)
}

func decodeObject(b []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("expected object, got null")
	}
	return fields, nil
}

// takeID removes key from fields and returns it as a string. Numeric ids are
// accepted and rendered in their JSON form.
func takeID(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("missing %q", key)
	}
	delete(fields, key)

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		if _, err := strconv.ParseFloat(num.String(), 64); err == nil {
			return num.String(), nil
		}
	}
	return "", fmt.Errorf("%q must be a string or number", key)
}

func nonEmpty(m map[string]json.RawMessage) map[string]json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	return m
}
