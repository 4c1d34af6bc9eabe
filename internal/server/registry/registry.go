// Package registry owns the set of live transport connections and the
// two delivery primitives of the engine: exclusive targeted sends for
// request-scoped responses and best-effort broadcast for committed
// changes.
package registry

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrConnectionNotFound indicates a targeted send to an id that is not
// (or no longer) registered.
var ErrConnectionNotFound = errors.New("connection not found")

// Sink is the outbound half of one transport connection. Once registered
// the registry is its only writer; implementations must serialize writes
// to the underlying socket themselves (one write pump per connection) and
// must never block on the inbound stream.
type Sink interface {
	Send(payload []byte) error
}

// Registry tracks live connections by id.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]Sink
}

// New creates an empty connection registry
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		conns:  make(map[string]Sink),
	}
}

// Register hands the sink over to the registry. A re-registration under
// the same id (a resumed identity) evicts the previous sink and returns
// it so the transport can close the stale socket; nil when the id was
// free.
func (r *Registry) Register(id string, sink Sink) Sink {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[id]
	r.conns[id] = sink
	r.logger.Debug("Connection registered", "conn_id", id, "connections", len(r.conns), "evicted", prev != nil)
	return prev
}

// Unregister removes the connection. Later sends to the id are no-ops.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, id)
	r.logger.Debug("Connection unregistered", "conn_id", id, "connections", len(r.conns))
}

// UnregisterSink removes the connection only while the id is still bound
// to the given sink, and reports whether it was. A teardown racing a
// resume takeover loses the compare and must leave the new sink alone.
func (r *Registry) UnregisterSink(id string, sink Sink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[id] != sink {
		return false
	}
	delete(r.conns, id)
	r.logger.Debug("Connection unregistered", "conn_id", id, "connections", len(r.conns))
	return true
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// SendTo delivers a request-scoped response to exactly one connection.
// A failed send is retried once, then reported. Must never be used for
// sync broadcasts.
func (r *Registry) SendTo(id string, payload []byte) error {
	r.mu.RLock()
	sink, ok := r.conns[id]
	r.mu.RUnlock()

	if !ok {
		return ErrConnectionNotFound
	}

	err := sink.Send(payload)
	if err == nil {
		return nil
	}

	r.logger.Debug("Targeted send failed, retrying once", "conn_id", id, "error", err)
	return sink.Send(payload)
}

// Broadcast delivers to every connection registered at the moment of the
// call. The snapshot keeps a concurrent connect/disconnect from
// double-delivering or crashing the iteration. One connection's failure
// is logged and never retried: a reconnecting client recovers through
// the change log, not through redelivery.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.RLock()
	snapshot := make(map[string]Sink, len(r.conns))
	for id, sink := range r.conns {
		snapshot[id] = sink
	}
	r.mu.RUnlock()

	for id, sink := range snapshot {
		if err := sink.Send(payload); err != nil {
			r.logger.Warn("Broadcast delivery failed", "conn_id", id, "error", err)
		}
	}
}
