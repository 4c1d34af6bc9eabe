// Package router demultiplexes the inbound message stream of each
// connection into its three families (mutation, query, validation) and
// applies the delivery rule of each: mutations broadcast the committed
// change to everyone including the sender, queries and validation results
// go back to the requester only.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liveform/syncd/internal/models"
	"github.com/liveform/syncd/internal/server/registry"
	"github.com/liveform/syncd/internal/server/tracker"
	"github.com/liveform/syncd/internal/validation"
	"github.com/liveform/syncd/pkg/api"
)

// ErrProtocolBudgetExceeded tells the transport to close a connection
// that keeps sending malformed messages.
var ErrProtocolBudgetExceeded = errors.New("malformed message budget exceeded")

const (
	// DefaultValidationTimeout bounds how long a validation request may
	// stay unanswered before an explicit timeout result is sent.
	DefaultValidationTimeout = 5 * time.Second

	// DefaultMalformedBudget is how many malformed messages one
	// connection may send before it is closed.
	DefaultMalformedBudget = 10

	// janitorInterval is how often expired pending requests are swept.
	janitorInterval = time.Second
)

// Options tune per-router behavior. Zero values pick the defaults.
type Options struct {
	ValidationTimeout time.Duration
	MalformedBudget   int
}

// session is the connection-local state of the router: subscriptions
// and the malformed-message counter. Pending validation requests live
// in the shared pending table, keyed by connection id. The epoch marks
// which physical connection owns the session: a resumed identity reuses
// the connection id but gets a new epoch.
type session struct {
	subscriptions map[string]bool
	malformed     int
	epoch         uint64
}

type handlerFunc func(ctx context.Context, connID string, data []byte) error

// Router dispatches inbound envelopes by their type tag.
type Router struct {
	logger   *slog.Logger
	changes  *tracker.ChangeTracker
	fields   *tracker.FieldTracker
	registry *registry.Registry
	oracle   validation.Oracle

	handlers map[string]handlerFunc
	pending  *pendingTable

	validationTimeout time.Duration
	malformedBudget   int

	mu        sync.Mutex
	sessions  map[string]*session
	lastEpoch uint64
}

// New creates a router wired to the trackers, the connection registry
// and the validation oracle.
func New(logger *slog.Logger, changes *tracker.ChangeTracker, fields *tracker.FieldTracker, reg *registry.Registry, oracle validation.Oracle, opts Options) *Router {
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = DefaultValidationTimeout
	}
	if opts.MalformedBudget <= 0 {
		opts.MalformedBudget = DefaultMalformedBudget
	}

	r := &Router{
		logger:            logger,
		changes:           changes,
		fields:            fields,
		registry:          reg,
		oracle:            oracle,
		pending:           newPendingTable(),
		validationTimeout: opts.ValidationTimeout,
		malformedBudget:   opts.MalformedBudget,
		sessions:          make(map[string]*session),
	}

	// One physical connection, many logical channels: a tagged envelope
	// and a dispatch table instead of a socket per concern.
	r.handlers = map[string]handlerFunc{
		api.TypePush:          r.handlePush,
		api.TypePushFields:    r.handlePushFields,
		api.TypeSync:          r.handleSync,
		api.TypeSubscribe:     r.handleSubscribe,
		api.TypeValidateField: r.handleValidateField,
		api.TypeValidateForm:  r.handleValidateForm,
		api.TypePing:          r.handlePing,
	}

	return r
}

// Run sweeps expired validation requests until ctx is canceled. Each
// expired request gets an explicit timeout result, never silence.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, req := range r.pending.expire(now) {
				r.logger.Warn("Validation request timed out",
					"conn_id", req.connID,
					"request_id", req.requestID,
					"form", req.form,
				)
				msg := "validation timed out"
				if req.wholeForm {
					r.sendTo(req.connID, api.FormValidationResult{
						Type:         api.TypeFormValidationResult,
						RequestID:    req.requestID,
						Form:         req.form,
						FormInstance: req.formInstance,
						Valid:        false,
						// "*" addresses the whole form rather than one field.
						Errors: map[string]string{"*": msg},
					})
					continue
				}
				r.sendTo(req.connID, api.ValidationResult{
					Type:         api.TypeValidationResult,
					RequestID:    req.requestID,
					Form:         req.form,
					FormInstance: req.formInstance,
					Field:        req.field,
					Valid:        false,
					Error:        &msg,
				})
			}
		}
	}
}

// Connect creates the session state for a new connection and returns its
// epoch, the teardown token for Disconnect. A resumed identity replaces
// any previous session under the same id. The transport registers the
// sink with the registry before calling Connect.
func (r *Router) Connect(connID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastEpoch++
	r.sessions[connID] = &session{
		subscriptions: make(map[string]bool),
		epoch:         r.lastEpoch,
	}
	return r.lastEpoch
}

// Disconnect tears down everything a connection owned: its session, its
// retention acknowledgements and every pending validation request it was
// waiting on. Pending entries are discarded silently; the requester is
// gone. When the session was already taken over by a newer connection
// with the same id (epoch mismatch), the stale teardown is a no-op: the
// resumed connection keeps the identity and everything bound to it. The
// registry entry is the transport's to remove; it owns the sink pairing.
func (r *Router) Disconnect(connID string, epoch uint64) {
	r.mu.Lock()
	if sess, ok := r.sessions[connID]; !ok || sess.epoch != epoch {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, connID)
	r.mu.Unlock()

	r.changes.ForgetSession(connID)

	if dropped := r.pending.dropConnection(connID); dropped > 0 {
		r.logger.Debug("Discarded pending validation requests", "conn_id", connID, "dropped", dropped)
	}
}

// PendingRequests returns the number of in-flight validation requests.
func (r *Router) PendingRequests() int {
	return r.pending.len()
}

// HandleMessage classifies one inbound envelope and dispatches it. A
// malformed or unknown message is logged and dropped; the connection
// stays open until its malformed budget is exhausted, then
// ErrProtocolBudgetExceeded tells the transport to close it.
func (r *Router) HandleMessage(ctx context.Context, connID string, data []byte) error {
	msgType, err := api.MessageType(data)
	if err != nil {
		return r.protocolError(connID, "undecodable envelope", err)
	}

	handler, ok := r.handlers[msgType]
	if !ok {
		return r.protocolError(connID, fmt.Sprintf("unknown message type %q", msgType), nil)
	}

	if err := handler(ctx, connID, data); err != nil {
		var malformed *malformedError
		if errors.As(err, &malformed) {
			return r.protocolError(connID, malformed.reason, malformed.err)
		}
		// Internal failure: surfaced to the sender, never fatal to the
		// process or to other connections.
		r.logger.Error("Message handling failed", "conn_id", connID, "type", msgType, "error", err)
		r.sendTo(connID, api.Error{
			Type:    api.TypeError,
			Code:    api.ErrCodePersistence,
			Message: "request failed, please retry",
		})
	}

	return nil
}

// malformedError marks a decode or shape problem inside a handler.
type malformedError struct {
	reason string
	err    error
}

func (e *malformedError) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

func (e *malformedError) Unwrap() error { return e.err }

func (r *Router) protocolError(connID, reason string, err error) error {
	r.logger.Warn("Protocol error, message dropped", "conn_id", connID, "reason", reason, "error", err)

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	sess.malformed++
	if sess.malformed >= r.malformedBudget {
		return ErrProtocolBudgetExceeded
	}
	return nil
}

// --- mutation family: write, then broadcast to everyone ---

func (r *Router) handlePush(ctx context.Context, connID string, data []byte) error {
	var req api.Push
	if err := json.Unmarshal(data, &req); err != nil {
		return &malformedError{reason: "bad push message", err: err}
	}
	if req.Entity == "" || req.EntityID == "" || !models.ValidAction(req.Action) {
		return &malformedError{reason: "push missing entity, entity_id or action"}
	}

	entry, err := r.changes.RecordChange(ctx, req.Entity, req.EntityID, req.Action, req.Data, connID)
	if err != nil {
		return err
	}

	// The sender's UI updates through the same broadcast as everyone
	// else's; there is no separate confirmation path.
	r.broadcast(api.ChangeBroadcast{
		Type: api.TypeChange,
		Change: api.Change{
			Entity:    entry.Entity,
			EntityID:  entry.EntityID,
			Action:    entry.Action,
			Data:      entry.Payload,
			Version:   entry.Version,
			Timestamp: entry.Timestamp,
		},
	})
	return nil
}

func (r *Router) handlePushFields(ctx context.Context, connID string, data []byte) error {
	var req api.PushFields
	if err := json.Unmarshal(data, &req); err != nil {
		return &malformedError{reason: "bad push_fields message", err: err}
	}
	if req.Entity == "" || req.EntityID == "" || len(req.Fields) == 0 {
		return &malformedError{reason: "push_fields missing entity, entity_id or fields"}
	}

	incoming := make([]*models.FieldChange, 0, len(req.Fields))
	for _, write := range req.Fields {
		value := write.Value
		if write.Action == api.ActionDelete {
			value = nil
		}
		incoming = append(incoming, &models.FieldChange{
			Entity:    req.Entity,
			EntityID:  req.EntityID,
			Field:     write.Field,
			Value:     value,
			Origin:    connID,
			Timestamp: write.Timestamp,
		})
	}

	applied, conflicts, err := r.fields.MergeFieldChanges(ctx, req.Entity, req.EntityID, incoming)
	if err != nil {
		return err
	}

	for _, change := range applied {
		r.broadcast(api.FieldChangeBroadcast{
			Type: api.TypeFieldChange,
			Change: api.FieldChange{
				Entity:    change.Entity,
				EntityID:  change.EntityID,
				Field:     change.Field,
				Value:     change.Value,
				Timestamp: change.Timestamp,
				Origin:    change.Origin,
			},
		})
	}

	// The losing origin alone learns about its rejected writes.
	if len(conflicts) > 0 {
		details := make([]api.ConflictDetail, 0, len(conflicts))
		for _, report := range conflicts {
			details = append(details, api.ConflictDetail{
				Field:           report.Field,
				ServerValue:     report.ServerValue,
				ServerTimestamp: report.ServerTimestamp,
				ClientValue:     report.ClientValue,
				ClientTimestamp: report.ClientTimestamp,
			})
		}
		r.sendTo(connID, api.Conflict{
			Type:      api.TypeConflict,
			Entity:    req.Entity,
			EntityID:  req.EntityID,
			Conflicts: details,
		})
	}
	return nil
}

// --- query family: targeted response only ---

func (r *Router) handleSync(ctx context.Context, connID string, data []byte) error {
	var req api.Sync
	if err := json.Unmarshal(data, &req); err != nil {
		return &malformedError{reason: "bad sync message", err: err}
	}
	if req.Entity == "" {
		return &malformedError{reason: "sync missing entity"}
	}

	// The since version is the client's proof of what it has seen.
	r.changes.Acknowledge(connID, req.Entity, req.Since)

	entries, err := r.changes.ChangesSince(ctx, req.Entity, req.Since)
	if err != nil {
		return err
	}

	latest := req.Since
	changes := make([]api.Change, 0, len(entries))
	for _, entry := range entries {
		changes = append(changes, api.Change{
			Entity:    entry.Entity,
			EntityID:  entry.EntityID,
			Action:    entry.Action,
			Data:      entry.Payload,
			Version:   entry.Version,
			Timestamp: entry.Timestamp,
		})
		if entry.Version > latest {
			latest = entry.Version
		}
	}

	if err := r.sendTo(connID, api.SyncResult{
		Type:          api.TypeSyncResult,
		Entity:        req.Entity,
		Changes:       changes,
		LatestVersion: latest,
	}); err == nil {
		// Only a delivered catch-up moves the retention bound forward.
		r.changes.Acknowledge(connID, req.Entity, latest)
	}
	return nil
}

func (r *Router) handleSubscribe(ctx context.Context, connID string, data []byte) error {
	var req api.Subscribe
	if err := json.Unmarshal(data, &req); err != nil {
		return &malformedError{reason: "bad subscribe message", err: err}
	}
	if req.Entity == "" {
		return &malformedError{reason: "subscribe missing entity"}
	}

	r.mu.Lock()
	if sess, ok := r.sessions[connID]; ok {
		sess.subscriptions[req.Entity] = true
	}
	r.mu.Unlock()

	// A fresh subscriber has seen nothing yet; registering it at version
	// 0 keeps retention from deleting entries it may still sync.
	r.changes.Acknowledge(connID, req.Entity, 0)

	latest, err := r.changes.LatestVersion(ctx, req.Entity)
	if err != nil {
		return err
	}

	r.sendTo(connID, api.Subscribed{
		Type:          api.TypeSubscribed,
		Entity:        req.Entity,
		LatestVersion: latest,
	})
	return nil
}

// Subscriptions returns the entity types a connection subscribed to.
func (r *Router) Subscriptions(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	entities := make([]string, 0, len(sess.subscriptions))
	for entity := range sess.subscriptions {
		entities = append(entities, entity)
	}
	return entities
}

// --- validation family: strict request-response, requester only ---

func (r *Router) handleValidateField(ctx context.Context, connID string, data []byte) error {
	var req api.ValidateField
	if err := json.Unmarshal(data, &req); err != nil {
		return &malformedError{reason: "bad validate_field message", err: err}
	}
	if req.RequestID == "" {
		return &malformedError{reason: "validate_field missing request_id"}
	}

	r.pending.add(&pendingRequest{
		connID:       connID,
		requestID:    req.RequestID,
		form:         req.Form,
		formInstance: req.FormInstance,
		field:        req.Field,
		deadline:     time.Now().Add(r.validationTimeout),
	})

	// The oracle may be slow; never block the connection's inbound loop
	// on it. The pending entry arbitrates between answer, timeout and
	// disconnect: whoever resolves it first sends the one response.
	go func() {
		vctx, cancel := context.WithTimeout(context.Background(), r.validationTimeout)
		defer cancel()

		verr := r.oracle.Validate(vctx, req.Form, req.Field, req.Value)

		if _, ok := r.pending.resolve(connID, req.RequestID); !ok {
			return // timed out or connection closed, drop silently
		}

		result := api.ValidationResult{
			Type:         api.TypeValidationResult,
			RequestID:    req.RequestID,
			Form:         req.Form,
			FormInstance: req.FormInstance,
			Field:        req.Field,
			Valid:        verr == nil,
		}
		if verr != nil {
			msg := verr.Error()
			if errors.Is(verr, context.DeadlineExceeded) {
				msg = "validation timed out"
			}
			result.Error = &msg
		}
		r.sendTo(connID, result)
	}()

	return nil
}

func (r *Router) handleValidateForm(ctx context.Context, connID string, data []byte) error {
	var req api.ValidateForm
	if err := json.Unmarshal(data, &req); err != nil {
		return &malformedError{reason: "bad validate_form message", err: err}
	}
	if req.RequestID == "" {
		return &malformedError{reason: "validate_form missing request_id"}
	}

	r.pending.add(&pendingRequest{
		connID:       connID,
		requestID:    req.RequestID,
		form:         req.Form,
		formInstance: req.FormInstance,
		wholeForm:    true,
		deadline:     time.Now().Add(r.validationTimeout),
	})

	go func() {
		vctx, cancel := context.WithTimeout(context.Background(), r.validationTimeout)
		defer cancel()

		fieldErrors := make(map[string]string)
		for field, value := range req.Fields {
			if err := r.oracle.Validate(vctx, req.Form, field, value); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					fieldErrors[field] = "validation timed out"
				} else {
					fieldErrors[field] = err.Error()
				}
			}
		}

		if _, ok := r.pending.resolve(connID, req.RequestID); !ok {
			return
		}

		r.sendTo(connID, api.FormValidationResult{
			Type:         api.TypeFormValidationResult,
			RequestID:    req.RequestID,
			Form:         req.Form,
			FormInstance: req.FormInstance,
			Valid:        len(fieldErrors) == 0,
			Errors:       fieldErrors,
		})
	}()

	return nil
}

func (r *Router) handlePing(ctx context.Context, connID string, data []byte) error {
	r.sendTo(connID, api.Pong{Type: api.TypePong})
	return nil
}

// --- delivery helpers ---

// sendTo marshals and delivers a request-scoped response to one
// connection. Delivery failure after the registry's single retry is
// logged and dropped; the client recovers through its own timeout.
func (r *Router) sendTo(connID string, message any) error {
	payload, err := json.Marshal(message)
	if err != nil {
		r.logger.Error("Failed to marshal targeted message", "conn_id", connID, "error", err)
		return err
	}
	if err := r.registry.SendTo(connID, payload); err != nil {
		if !errors.Is(err, registry.ErrConnectionNotFound) {
			r.logger.Warn("Targeted send dropped", "conn_id", connID, "error", err)
		}
		return err
	}
	return nil
}

// broadcast marshals once and delivers to every live connection.
func (r *Router) broadcast(message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		r.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}
	r.registry.Broadcast(payload)
}
