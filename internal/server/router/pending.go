package router

import (
	"sync"
	"time"
)

// pendingRequest is one in-flight validation request. Its lifecycle is
// Sent -> Answered | TimedOut | ConnectionClosed; every outcome removes
// the entry from the table, so nothing leaks.
type pendingRequest struct {
	connID       string
	requestID    string
	form         string
	formInstance string
	field        string
	wholeForm    bool
	deadline     time.Time
}

type pendingKey struct {
	connID    string
	requestID string
}

// pendingTable tracks in-flight validation requests across all
// connections. Request ids are client-chosen and only unique per
// connection, so the key includes the connection id.
type pendingTable struct {
	mu       sync.Mutex
	requests map[pendingKey]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		requests: make(map[pendingKey]*pendingRequest),
	}
}

func (t *pendingTable) add(req *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests[pendingKey{connID: req.connID, requestID: req.requestID}] = req
}

// resolve removes the entry and reports whether it was still pending.
// Exactly one caller wins; a late answer after a timeout or disconnect
// finds nothing and is dropped silently.
func (t *pendingTable) resolve(connID, requestID string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pendingKey{connID: connID, requestID: requestID}
	req, ok := t.requests[key]
	if ok {
		delete(t.requests, key)
	}
	return req, ok
}

// expire removes and returns every entry whose deadline passed.
func (t *pendingTable) expire(now time.Time) []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*pendingRequest
	for key, req := range t.requests {
		if now.After(req.deadline) {
			expired = append(expired, req)
			delete(t.requests, key)
		}
	}
	return expired
}

// dropConnection removes every entry of a closed connection.
// Returns the number of discarded requests.
func (t *pendingTable) dropConnection(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	dropped := 0
	for key := range t.requests {
		if key.connID == connID {
			delete(t.requests, key)
			dropped++
		}
	}
	return dropped
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.requests)
}
