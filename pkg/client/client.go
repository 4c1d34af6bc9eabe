// Package client is the Go client for the sync protocol. It multiplexes
// every conversation over one websocket connection: fire-and-forget
// mutations, request-response queries and validation, and the inbound
// broadcast stream delivered through callbacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/liveform/syncd/pkg/api"
)

// ErrClosed indicates an operation on a client whose connection is gone.
var ErrClosed = errors.New("client closed")

// Handlers receive the broadcast traffic of the connection. Nil handlers
// drop their messages. Handlers are called from the read loop; they must
// not block.
type Handlers struct {
	OnChange      func(api.Change)
	OnFieldChange func(api.FieldChange)
	OnConflict    func(api.Conflict)
	OnError       func(api.Error)
}

// Options configure a connection attempt.
type Options struct {
	// ResumeToken, when set, asks the server to keep the identity of a
	// previous connection.
	ResumeToken string
	Logger      *slog.Logger
	Handlers    Handlers
}

// Client is one live protocol connection.
type Client struct {
	logger   *slog.Logger
	ws       *websocket.Conn
	handlers Handlers
	hello    api.Hello

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string][]chan json.RawMessage
	closed  bool
	done    chan struct{}
}

// Dial connects to a server URL (ws://host/ws) and consumes the hello
// message before returning, so Hello() is always populated.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.ResumeToken != "" {
		withToken, err := resumeURL(url, opts.ResumeToken)
		if err != nil {
			return nil, err
		}
		url = withToken
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{
		logger:   opts.Logger,
		ws:       ws,
		handlers: opts.Handlers,
		waiters:  make(map[string][]chan json.RawMessage),
		done:     make(chan struct{}),
	}

	if err := c.readHello(); err != nil {
		ws.Close()
		return nil, err
	}

	go c.readLoop()

	return c, nil
}

// Hello returns the server's connection announcement: the connection id
// and the resume token for the next reconnect.
func (c *Client) Hello() api.Hello {
	return c.hello
}

// Close tears the connection down. In-flight requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	return c.ws.Close()
}

// Push commits one entity-level mutation. The result arrives through
// OnChange like every other client's changes; there is no separate
// confirmation.
func (c *Client) Push(entity, entityID, action string, data json.RawMessage) error {
	return c.send(api.Push{
		Type:     api.TypePush,
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Data:     data,
	})
}

// PushFields commits a batch of field-level writes. Winning writes come
// back through OnFieldChange, losing ones through OnConflict.
func (c *Client) PushFields(entity, entityID string, fields []api.FieldWrite) error {
	return c.send(api.PushFields{
		Type:     api.TypePushFields,
		Entity:   entity,
		EntityID: entityID,
		Fields:   fields,
	})
}

// Sync fetches every change of an entity type after a known version.
func (c *Client) Sync(ctx context.Context, entity string, since int64) (*api.SyncResult, error) {
	raw, err := c.request(ctx, api.TypeSyncResult, api.Sync{
		Type:   api.TypeSync,
		Entity: entity,
		Since:  since,
	})
	if err != nil {
		return nil, err
	}

	var result api.SyncResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("bad sync_result: %w", err)
	}
	return &result, nil
}

// Subscribe registers interest in an entity type and returns its latest
// version for the initial catch-up.
func (c *Client) Subscribe(ctx context.Context, entity string) (*api.Subscribed, error) {
	raw, err := c.request(ctx, api.TypeSubscribed, api.Subscribe{
		Type:   api.TypeSubscribe,
		Entity: entity,
	})
	if err != nil {
		return nil, err
	}

	var result api.Subscribed
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("bad subscribed: %w", err)
	}
	return &result, nil
}

// ValidateField asks the server-side oracle about one field value.
func (c *Client) ValidateField(ctx context.Context, form, formInstance, field, value string) (*api.ValidationResult, error) {
	requestID := uuid.NewString()

	raw, err := c.request(ctx, api.TypeValidationResult+":"+requestID, api.ValidateField{
		Type:         api.TypeValidateField,
		RequestID:    requestID,
		Form:         form,
		FormInstance: formInstance,
		Field:        field,
		Value:        value,
	})
	if err != nil {
		return nil, err
	}

	var result api.ValidationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("bad validation_result: %w", err)
	}
	return &result, nil
}

// ValidateForm asks the oracle about every field of a form instance.
func (c *Client) ValidateForm(ctx context.Context, form, formInstance string, fields map[string]string) (*api.FormValidationResult, error) {
	requestID := uuid.NewString()

	raw, err := c.request(ctx, api.TypeFormValidationResult+":"+requestID, api.ValidateForm{
		Type:         api.TypeValidateForm,
		RequestID:    requestID,
		Form:         form,
		FormInstance: formInstance,
		Fields:       fields,
	})
	if err != nil {
		return nil, err
	}

	var result api.FormValidationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("bad form_validation_result: %w", err)
	}
	return &result, nil
}

// Ping round-trips a protocol-level keepalive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, api.TypePong, api.Ping{Type: api.TypePing})
	return err
}

// resumeURL adds the resume token to the query string, preserving any
// query the caller's URL already carries and escaping the token.
func resumeURL(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("bad server url %s: %w", rawURL, err)
	}

	query := u.Query()
	query.Set("resume", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (c *Client) send(message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// request registers a waiter under the key before sending, so the
// response cannot slip past between send and wait.
func (c *Client) request(ctx context.Context, key string, message any) (json.RawMessage, error) {
	waiter := make(chan json.RawMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.waiters[key] = append(c.waiters[key], waiter)
	c.mu.Unlock()

	if err := c.send(message); err != nil {
		c.removeWaiter(key, waiter)
		return nil, err
	}

	select {
	case raw := <-waiter:
		return raw, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		c.removeWaiter(key, waiter)
		return nil, ctx.Err()
	}
}

func (c *Client) removeWaiter(key string, waiter chan json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.waiters[key]
	for i, w := range queue {
		if w == waiter {
			c.waiters[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}

// resolveWaiter hands the payload to the oldest waiter under the key.
// Responses of one type arrive in request order.
func (c *Client) resolveWaiter(key string, raw json.RawMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.waiters[key]
	if len(queue) == 0 {
		return false
	}

	queue[0] <- raw
	c.waiters[key] = queue[1:]
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
	return true
}

func (c *Client) readHello() error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}

	var hello api.Hello
	if err := json.Unmarshal(data, &hello); err != nil {
		return fmt.Errorf("bad hello: %w", err)
	}
	if hello.Type != api.TypeHello {
		return fmt.Errorf("expected hello, got %q", hello.Type)
	}

	c.hello = hello
	return nil
}

// readLoop demultiplexes inbound traffic: broadcasts to handlers,
// targeted responses to their waiters.
func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		msgType, err := api.MessageType(data)
		if err != nil {
			c.logger.Warn("Undecodable message dropped", "error", err)
			continue
		}

		switch msgType {
		case api.TypeChange:
			if c.handlers.OnChange != nil {
				var msg api.ChangeBroadcast
				if err := json.Unmarshal(data, &msg); err == nil {
					c.handlers.OnChange(msg.Change)
				}
			}
		case api.TypeFieldChange:
			if c.handlers.OnFieldChange != nil {
				var msg api.FieldChangeBroadcast
				if err := json.Unmarshal(data, &msg); err == nil {
					c.handlers.OnFieldChange(msg.Change)
				}
			}
		case api.TypeConflict:
			if c.handlers.OnConflict != nil {
				var msg api.Conflict
				if err := json.Unmarshal(data, &msg); err == nil {
					c.handlers.OnConflict(msg)
				}
			}
		case api.TypeError:
			if c.handlers.OnError != nil {
				var msg api.Error
				if err := json.Unmarshal(data, &msg); err == nil {
					c.handlers.OnError(msg)
				}
			}
		case api.TypeValidationResult, api.TypeFormValidationResult:
			var envelope struct {
				RequestID string `json:"request_id"`
			}
			if err := json.Unmarshal(data, &envelope); err != nil {
				continue
			}
			if !c.resolveWaiter(msgType+":"+envelope.RequestID, data) {
				c.logger.Debug("Unclaimed validation result dropped", "request_id", envelope.RequestID)
			}
		default:
			if !c.resolveWaiter(msgType, data) {
				c.logger.Debug("Unclaimed message dropped", "type", msgType)
			}
		}
	}
}

// shutdown marks the client dead after a read failure, releasing every
// waiter.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.ws.Close()
	c.logger.Debug("Connection lost", "error", err)
}
