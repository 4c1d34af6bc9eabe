package api

import "encoding/json"

// Message type tags. Every envelope on the wire carries exactly one of these
// in its "type" field; the tag selects which struct the payload decodes into.
const (
	TypePush                 = "push"
	TypeChange               = "change"
	TypePushFields           = "push_fields"
	TypeFieldChange          = "field_change"
	TypeConflict             = "conflict"
	TypeSync                 = "sync"
	TypeSyncResult           = "sync_result"
	TypeSubscribe            = "subscribe"
	TypeSubscribed           = "subscribed"
	TypeValidateField        = "validate_field"
	TypeValidationResult     = "validation_result"
	TypeValidateForm         = "validate_form"
	TypeFormValidationResult = "form_validation_result"
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeHello                = "hello"
	TypeError                = "error"
)

// Actions accepted in Push.Action.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// MessageType peeks at the "type" tag of a raw envelope without decoding the
// rest of the payload.
func MessageType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", err
	}
	return envelope.Type, nil
}

// Push is a client request to commit one entity-level mutation.
type Push struct {
	Type     string          `json:"type"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data"`
}

// Change is one committed change-log entry as seen on the wire.
// Data is opaque to the server; it is transported, never inspected.
type Change struct {
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp"`
}

// ChangeBroadcast carries a committed change to every connection.
type ChangeBroadcast struct {
	Type   string `json:"type"`
	Change Change `json:"change"`
}

// FieldWrite is one field-level write inside a push_fields request.
// A nil Value deletes the field.
type FieldWrite struct {
	Field     string  `json:"field"`
	Value     *string `json:"value"`
	Action    string  `json:"action"`
	Timestamp int64   `json:"timestamp"`
}

// PushFields is a client request to commit a batch of field-level writes.
type PushFields struct {
	Type     string       `json:"type"`
	Entity   string       `json:"entity"`
	EntityID string       `json:"entity_id"`
	Fields   []FieldWrite `json:"fields"`
}

// FieldChange is one applied field-level write as seen on the wire.
type FieldChange struct {
	Entity    string  `json:"entity"`
	EntityID  string  `json:"entity_id"`
	Field     string  `json:"field"`
	Value     *string `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Origin    string  `json:"origin"`
}

// FieldChangeBroadcast carries an applied field write to every connection.
type FieldChangeBroadcast struct {
	Type   string      `json:"type"`
	Change FieldChange `json:"change"`
}

// ConflictDetail describes one field write that lost a merge. The server
// value is the one all replicas converge on.
type ConflictDetail struct {
	Field           string  `json:"field"`
	ServerValue     *string `json:"server_value"`
	ServerTimestamp int64   `json:"server_timestamp"`
	ClientValue     *string `json:"client_value"`
	ClientTimestamp int64   `json:"client_timestamp"`
}

// Conflict reports rejected field writes to the origin connection only.
type Conflict struct {
	Type      string           `json:"type"`
	Entity    string           `json:"entity"`
	EntityID  string           `json:"entity_id"`
	Conflicts []ConflictDetail `json:"conflicts"`
}

// Sync asks for every change of an entity type after a known version.
type Sync struct {
	Type   string `json:"type"`
	Entity string `json:"entity"`
	Since  int64  `json:"since"`
}

// SyncResult answers a Sync request; targeted to the requester only.
type SyncResult struct {
	Type          string   `json:"type"`
	Entity        string   `json:"entity"`
	Changes       []Change `json:"changes"`
	LatestVersion int64    `json:"latest_version"`
}

// Subscribe registers connection-local interest in an entity type.
type Subscribe struct {
	Type   string `json:"type"`
	Entity string `json:"entity"`
}

// Subscribed acknowledges a Subscribe request.
type Subscribed struct {
	Type          string `json:"type"`
	Entity        string `json:"entity"`
	LatestVersion int64  `json:"latest_version"`
}

// ValidateField asks the validation oracle about a single field value.
// RequestID correlates the response; FormInstance distinguishes multiple
// live instances of the same form sharing one connection.
type ValidateField struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id"`
	Form         string `json:"form"`
	FormInstance string `json:"form_instance"`
	Field        string `json:"field"`
	Value        string `json:"value"`
}

// ValidationResult answers a ValidateField request; targeted to the
// requester only, never broadcast. Error is nil when Valid is true.
type ValidationResult struct {
	Type         string  `json:"type"`
	RequestID    string  `json:"request_id"`
	Form         string  `json:"form"`
	FormInstance string  `json:"form_instance"`
	Field        string  `json:"field"`
	Valid        bool    `json:"valid"`
	Error        *string `json:"error"`
}

// ValidateForm asks the oracle about every field of a form instance at once.
type ValidateForm struct {
	Type         string            `json:"type"`
	RequestID    string            `json:"request_id"`
	Form         string            `json:"form"`
	FormInstance string            `json:"form_instance"`
	Fields       map[string]string `json:"fields"`
}

// FormValidationResult answers a ValidateForm request. Errors maps field
// name to message for every field that failed; empty when Valid.
type FormValidationResult struct {
	Type         string            `json:"type"`
	RequestID    string            `json:"request_id"`
	Form         string            `json:"form"`
	FormInstance string            `json:"form_instance"`
	Valid        bool              `json:"valid"`
	Errors       map[string]string `json:"errors"`
}

// Ping and Pong are protocol-level keepalives, distinct from websocket
// control frames.
type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

// Hello is the first message the server sends on a new connection. The
// resume token lets a reconnecting client keep its connection identity.
type Hello struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	ResumeToken  string `json:"resume_token"`
}

// Error reports a request-scoped failure to one connection.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in Error.Code.
const (
	ErrCodeProtocol    = "protocol_error"
	ErrCodePersistence = "persistence_conflict"
	ErrCodeValidation  = "validation_timeout"
)
