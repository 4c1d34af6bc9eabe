package models

import "encoding/json"

// Mutation actions recorded in the change log.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// ValidAction reports whether s is one of the known mutation actions.
func ValidAction(s string) bool {
	switch s {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ChangeLogEntry is one committed entity-level mutation. Entries are
// immutable once written; Version is strictly increasing and unique per
// entity type even under concurrent writers.
//
// Payload is an opaque serialized value: the engine transports it but
// never inspects its contents.
type ChangeLogEntry struct {
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Origin    string          `json:"origin,omitempty"`
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// Clone creates a deep copy of the entry.
func (e *ChangeLogEntry) Clone() *ChangeLogEntry {
	payload := make(json.RawMessage, len(e.Payload))
	copy(payload, e.Payload)

	clone := *e
	clone.Payload = payload
	return &clone
}

// FieldChange is one field-level write. A nil Value deletes the field.
// Only the latest FieldChange per (entity, entity id, field) determines
// the current value; superseded writes are kept for audit only.
type FieldChange struct {
	Entity    string  `json:"entity"`
	EntityID  string  `json:"entity_id"`
	Field     string  `json:"field"`
	Value     *string `json:"value"`
	Origin    string  `json:"origin,omitempty"`
	Timestamp int64   `json:"timestamp"` // client-supplied, unix milliseconds
}

// IsNewerThan compares two field writes under the last-write-wins rule:
// the greater Timestamp wins, and exact ties break by lexical comparison
// of Origin so every replica converges on the same winner regardless of
// arrival order.
func (c *FieldChange) IsNewerThan(other *FieldChange) bool {
	if c.Timestamp != other.Timestamp {
		return c.Timestamp > other.Timestamp
	}
	return c.Origin > other.Origin
}

// SameValue reports whether two writes carry an identical value,
// treating nil (field deletion) as a value of its own.
func (c *FieldChange) SameValue(other *FieldChange) bool {
	if c.Value == nil || other.Value == nil {
		return c.Value == nil && other.Value == nil
	}
	return *c.Value == *other.Value
}

// Clone creates a deep copy of the field change.
func (c *FieldChange) Clone() *FieldChange {
	clone := *c
	if c.Value != nil {
		v := *c.Value
		clone.Value = &v
	}
	return &clone
}

// ConflictReport notifies a losing origin that its field write was
// rejected by the merge. It is a structured result, not an error: the
// client uses it for local reconciliation.
type ConflictReport struct {
	Field           string  `json:"field"`
	ServerValue     *string `json:"server_value"`
	ServerTimestamp int64   `json:"server_timestamp"`
	ClientValue     *string `json:"client_value"`
	ClientTimestamp int64   `json:"client_timestamp"`
}
