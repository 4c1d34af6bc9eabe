package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveform/syncd/internal/models"
	"github.com/liveform/syncd/internal/server/registry"
	"github.com/liveform/syncd/internal/server/storage"
	"github.com/liveform/syncd/internal/server/storage/sqlite"
	"github.com/liveform/syncd/internal/server/tracker"
	"github.com/liveform/syncd/internal/validation"
	"github.com/liveform/syncd/pkg/api"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// recordingSink collects everything the router delivers to one connection.
type recordingSink struct {
	mu       sync.Mutex
	messages [][]byte
}

func (s *recordingSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, append([]byte(nil), payload...))
	return nil
}

// byType returns all received messages carrying the given type tag.
// Messages the router sends are always well-formed JSON.
func (s *recordingSink) byType(msgType string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched [][]byte
	for _, msg := range s.messages {
		if got, err := api.MessageType(msg); err == nil && got == msgType {
			matched = append(matched, msg)
		}
	}
	return matched
}

// waitFor blocks until the sink has received n messages of the given type.
func (s *recordingSink) waitFor(t *testing.T, msgType string, n int) [][]byte {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(s.byType(msgType)) >= n
	}, 2*time.Second, 5*time.Millisecond)

	return s.byType(msgType)
}

type testEnv struct {
	router *Router
	reg    *registry.Registry
	store  *sqlite.Storage
	epochs map[string]uint64
}

func newTestEnv(t *testing.T, oracle validation.Oracle, opts Options) *testEnv {
	t.Helper()

	store, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := testLogger()
	reg := registry.New(logger)
	changes := tracker.NewChangeTracker(logger, store)
	fields := tracker.NewFieldTracker(logger, store, nil)

	if oracle == nil {
		oracle = validation.NewRuleOracle()
	}

	return &testEnv{
		router: New(logger, changes, fields, reg, oracle, opts),
		reg:    reg,
		store:  store,
		epochs: make(map[string]uint64),
	}
}

// connect wires a recording sink under the given id, the way the
// transport layer does: registry first, then the router session.
func (e *testEnv) connect(id string) *recordingSink {
	sink := &recordingSink{}
	e.reg.Register(id, sink)
	e.epochs[id] = e.router.Connect(id)
	return sink
}

// disconnect mirrors the transport's teardown of the connection.
func (e *testEnv) disconnect(id string) {
	e.reg.Unregister(id)
	e.router.Disconnect(id, e.epochs[id])
}

func (e *testEnv) handle(t *testing.T, connID string, message any) {
	t.Helper()

	data, err := json.Marshal(message)
	require.NoError(t, err)
	require.NoError(t, e.router.HandleMessage(context.Background(), connID, data))
}

func strPtr(s string) *string { return &s }

func TestRouter_Push_BroadcastsToAllIncludingSender(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	sender := env.connect("conn-1")
	other := env.connect("conn-2")

	env.handle(t, "conn-1", api.Push{
		Type:     api.TypePush,
		Entity:   "post",
		EntityID: "p1",
		Action:   api.ActionCreate,
		Data:     json.RawMessage(`{"title":"Hello"}`),
	})

	for _, sink := range []*recordingSink{sender, other} {
		msgs := sink.byType(api.TypeChange)
		require.Len(t, msgs, 1)

		var got api.ChangeBroadcast
		require.NoError(t, json.Unmarshal(msgs[0], &got))
		assert.Equal(t, "post", got.Change.Entity)
		assert.Equal(t, "p1", got.Change.EntityID)
		assert.Equal(t, int64(1), got.Change.Version)
		assert.JSONEq(t, `{"title":"Hello"}`, string(got.Change.Data))
	}
}

func TestRouter_Push_StoreFailureNotifiesSenderOnly(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	// Swap in a tracker whose store always fails.
	env.router.changes = tracker.NewChangeTracker(testLogger(), &storage.ChangeStoreMock{
		AppendChangeFunc: func(ctx context.Context, entry *models.ChangeLogEntry) (int64, error) {
			return 0, errors.New("disk full")
		},
	})

	sender := env.connect("conn-1")
	other := env.connect("conn-2")

	env.handle(t, "conn-1", api.Push{
		Type:     api.TypePush,
		Entity:   "post",
		EntityID: "p1",
		Action:   api.ActionCreate,
		Data:     json.RawMessage(`{}`),
	})

	msgs := sender.byType(api.TypeError)
	require.Len(t, msgs, 1)

	var got api.Error
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, api.ErrCodePersistence, got.Code)

	// Nothing was committed, so nothing is broadcast.
	assert.Empty(t, sender.byType(api.TypeChange))
	assert.Empty(t, other.byType(api.TypeChange))
	assert.Empty(t, other.byType(api.TypeError))
}

func TestRouter_PushFields_ConflictTargetedToOriginOnly(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	first := env.connect("conn-1")
	second := env.connect("conn-2")

	env.handle(t, "conn-1", api.PushFields{
		Type:     api.TypePushFields,
		Entity:   "post",
		EntityID: "p1",
		Fields: []api.FieldWrite{
			{Field: "title", Value: strPtr("Hello"), Action: api.ActionUpdate, Timestamp: 100},
		},
	})

	// An older concurrent write to the same field loses.
	env.handle(t, "conn-2", api.PushFields{
		Type:     api.TypePushFields,
		Entity:   "post",
		EntityID: "p1",
		Fields: []api.FieldWrite{
			{Field: "title", Value: strPtr("World"), Action: api.ActionUpdate, Timestamp: 99},
		},
	})

	// Exactly one field_change reached each connection: the winning write.
	for _, sink := range []*recordingSink{first, second} {
		msgs := sink.byType(api.TypeFieldChange)
		require.Len(t, msgs, 1)

		var got api.FieldChangeBroadcast
		require.NoError(t, json.Unmarshal(msgs[0], &got))
		require.NotNil(t, got.Change.Value)
		assert.Equal(t, "Hello", *got.Change.Value)
	}

	// Only the losing origin hears about the conflict.
	conflicts := second.byType(api.TypeConflict)
	require.Len(t, conflicts, 1)

	var report api.Conflict
	require.NoError(t, json.Unmarshal(conflicts[0], &report))
	require.Len(t, report.Conflicts, 1)
	detail := report.Conflicts[0]
	assert.Equal(t, "title", detail.Field)
	assert.Equal(t, "Hello", *detail.ServerValue)
	assert.Equal(t, int64(100), detail.ServerTimestamp)
	assert.Equal(t, "World", *detail.ClientValue)
	assert.Equal(t, int64(99), detail.ClientTimestamp)

	assert.Empty(t, first.byType(api.TypeConflict))
}

func TestRouter_PushFields_DuplicateValueIsSilent(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	first := env.connect("conn-1")
	second := env.connect("conn-2")

	write := api.PushFields{
		Type:     api.TypePushFields,
		Entity:   "post",
		EntityID: "p1",
		Fields: []api.FieldWrite{
			{Field: "title", Value: strPtr("Hello"), Action: api.ActionUpdate, Timestamp: 100},
		},
	}
	env.handle(t, "conn-1", write)

	// Same value, older timestamp: loses the merge but changes nothing,
	// so no conflict is reported.
	write.Fields[0].Timestamp = 50
	env.handle(t, "conn-2", write)

	assert.Len(t, first.byType(api.TypeFieldChange), 1)
	assert.Empty(t, second.byType(api.TypeConflict))
}

func TestRouter_Sync_TargetedOnly(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	requester := env.connect("conn-1")
	other := env.connect("conn-2")

	for i := range 3 {
		env.handle(t, "conn-2", api.Push{
			Type:     api.TypePush,
			Entity:   "post",
			EntityID: fmt.Sprintf("p%d", i),
			Action:   api.ActionCreate,
			Data:     json.RawMessage(`{}`),
		})
	}
	otherBefore := len(other.byType(api.TypeSyncResult))

	env.handle(t, "conn-1", api.Sync{Type: api.TypeSync, Entity: "post", Since: 1})

	msgs := requester.byType(api.TypeSyncResult)
	require.Len(t, msgs, 1)

	var got api.SyncResult
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "post", got.Entity)
	require.Len(t, got.Changes, 2)
	assert.Equal(t, int64(2), got.Changes[0].Version)
	assert.Equal(t, int64(3), got.Changes[1].Version)
	assert.Equal(t, int64(3), got.LatestVersion)

	assert.Equal(t, otherBefore, len(other.byType(api.TypeSyncResult)))
}

func TestRouter_Subscribe_AcknowledgesAndHoldsRetention(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	sub := env.connect("conn-1")

	env.handle(t, "conn-1", api.Push{
		Type:     api.TypePush,
		Entity:   "post",
		EntityID: "p1",
		Action:   api.ActionCreate,
		Data:     json.RawMessage(`{}`),
	})

	env.handle(t, "conn-1", api.Subscribe{Type: api.TypeSubscribe, Entity: "post"})

	msgs := sub.byType(api.TypeSubscribed)
	require.Len(t, msgs, 1)

	var got api.Subscribed
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "post", got.Entity)
	assert.Equal(t, int64(1), got.LatestVersion)

	assert.Equal(t, []string{"post"}, env.router.Subscriptions("conn-1"))

	// The fresh subscriber has acknowledged nothing, so even a zero
	// horizon must not delete the entry out from under it.
	deleted, err := env.router.changes.CleanupOldEntries(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

func TestRouter_ValidateField_ResultTargetedToRequesterOnly(t *testing.T) {
	oracle := &validation.OracleMock{
		ValidateFunc: func(ctx context.Context, form, field, value string) error {
			if value == "" {
				return errors.New("title cannot be empty")
			}
			return nil
		},
	}
	env := newTestEnv(t, oracle, Options{})
	requester := env.connect("conn-1")
	other := env.connect("conn-2")

	env.handle(t, "conn-1", api.ValidateField{
		Type:         api.TypeValidateField,
		RequestID:    "req-1",
		Form:         "post_form",
		FormInstance: "inst-1",
		Field:        "title",
		Value:        "",
	})

	msgs := requester.waitFor(t, api.TypeValidationResult, 1)

	var got api.ValidationResult
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "inst-1", got.FormInstance)
	assert.False(t, got.Valid)
	require.NotNil(t, got.Error)
	assert.Equal(t, "title cannot be empty", *got.Error)

	assert.Empty(t, other.byType(api.TypeValidationResult))
	assert.Equal(t, 0, env.router.PendingRequests())
}

func TestRouter_ValidateField_TimeoutGetsExplicitResult(t *testing.T) {
	oracle := &validation.OracleMock{
		ValidateFunc: func(ctx context.Context, form, field, value string) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	env := newTestEnv(t, oracle, Options{ValidationTimeout: 50 * time.Millisecond})
	requester := env.connect("conn-1")

	env.handle(t, "conn-1", api.ValidateField{
		Type:      api.TypeValidateField,
		RequestID: "req-1",
		Form:      "post_form",
		Field:     "title",
		Value:     "x",
	})

	msgs := requester.waitFor(t, api.TypeValidationResult, 1)

	var got api.ValidationResult
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.False(t, got.Valid)
	require.NotNil(t, got.Error)
	assert.Equal(t, "validation timed out", *got.Error)
	assert.Equal(t, 0, env.router.PendingRequests())
}

func TestRouter_ValidateForm_CollectsPerFieldErrors(t *testing.T) {
	oracle := validation.NewRuleOracle()
	oracle.AddRule("post_form", "title", validation.Rule{Required: true})
	oracle.AddRule("post_form", "slug", validation.Rule{MinLen: 3})

	env := newTestEnv(t, oracle, Options{})
	requester := env.connect("conn-1")

	env.handle(t, "conn-1", api.ValidateForm{
		Type:         api.TypeValidateForm,
		RequestID:    "req-1",
		Form:         "post_form",
		FormInstance: "inst-1",
		Fields: map[string]string{
			"title": "",
			"slug":  "ok-slug",
			"body":  "anything",
		},
	})

	msgs := requester.waitFor(t, api.TypeFormValidationResult, 1)

	var got api.FormValidationResult
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.False(t, got.Valid)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors["title"], "cannot be empty")
}

func TestRouter_Disconnect_DropsPendingSilently(t *testing.T) {
	release := make(chan struct{})
	oracle := &validation.OracleMock{
		ValidateFunc: func(ctx context.Context, form, field, value string) error {
			<-release
			return nil
		},
	}
	env := newTestEnv(t, oracle, Options{ValidationTimeout: time.Minute})
	requester := env.connect("conn-1")

	env.handle(t, "conn-1", api.ValidateField{
		Type:      api.TypeValidateField,
		RequestID: "req-1",
		Form:      "post_form",
		Field:     "title",
		Value:     "x",
	})
	require.Equal(t, 1, env.router.PendingRequests())

	env.disconnect("conn-1")
	assert.Equal(t, 0, env.router.PendingRequests())
	assert.Nil(t, env.router.Subscriptions("conn-1"))

	// The late oracle answer finds no pending entry and sends nothing.
	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, requester.byType(api.TypeValidationResult))
}

func TestRouter_Disconnect_StaleEpochLeavesResumedSession(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.connect("conn-1")
	staleEpoch := env.epochs["conn-1"]

	env.handle(t, "conn-1", api.Push{
		Type:     api.TypePush,
		Entity:   "post",
		EntityID: "p1",
		Action:   api.ActionCreate,
		Data:     json.RawMessage(`{}`),
	})

	// The identity resumes on a new socket while the old one is still
	// being torn down: same connection id, new sink, new epoch.
	resumed := &recordingSink{}
	env.reg.Register("conn-1", resumed)
	env.epochs["conn-1"] = env.router.Connect("conn-1")
	env.handle(t, "conn-1", api.Subscribe{Type: api.TypeSubscribe, Entity: "post"})

	// The stale socket's late teardown must change nothing.
	env.router.Disconnect("conn-1", staleEpoch)

	assert.Equal(t, []string{"post"}, env.router.Subscriptions("conn-1"))

	// The resumed session's acknowledgements still hold retention back.
	deleted, err := env.router.changes.CleanupOldEntries(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	// And targeted traffic still reaches the resumed connection.
	env.handle(t, "conn-1", api.Ping{Type: api.TypePing})
	assert.Len(t, resumed.byType(api.TypePong), 1)
}

func TestRouter_MalformedBudgetClosesConnection(t *testing.T) {
	env := newTestEnv(t, nil, Options{MalformedBudget: 3})
	env.connect("conn-1")
	ctx := context.Background()

	// The first messages are dropped; the connection survives.
	require.NoError(t, env.router.HandleMessage(ctx, "conn-1", []byte(`not json`)))
	require.NoError(t, env.router.HandleMessage(ctx, "conn-1", []byte(`{"type":"nonsense"}`)))

	// The budget is spent: the transport is told to close.
	err := env.router.HandleMessage(ctx, "conn-1", []byte(`{"type":"push"}`))
	assert.ErrorIs(t, err, ErrProtocolBudgetExceeded)
}

func TestRouter_Ping(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	sink := env.connect("conn-1")

	env.handle(t, "conn-1", api.Ping{Type: api.TypePing})

	assert.Len(t, sink.byType(api.TypePong), 1)
}

func TestRouter_Run_SweepsExpiredRequests(t *testing.T) {
	// The oracle never answers and outlives its context, so only the
	// janitor can resolve the request.
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	oracle := &validation.OracleMock{
		ValidateFunc: func(ctx context.Context, form, field, value string) error {
			<-release
			return nil
		},
	}
	env := newTestEnv(t, oracle, Options{ValidationTimeout: 50 * time.Millisecond})
	requester := env.connect("conn-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.router.Run(ctx)

	env.handle(t, "conn-1", api.ValidateField{
		Type:      api.TypeValidateField,
		RequestID: "req-1",
		Form:      "post_form",
		Field:     "title",
		Value:     "x",
	})

	msgs := requester.waitFor(t, api.TypeValidationResult, 1)

	var got api.ValidationResult
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.False(t, got.Valid)
	require.NotNil(t, got.Error)
	assert.Equal(t, "validation timed out", *got.Error)
	assert.Equal(t, 0, env.router.PendingRequests())
}
