package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveform/syncd/internal/merge"
	"github.com/liveform/syncd/internal/models"
	"github.com/liveform/syncd/internal/server/storage/sqlite"
)

func setupFieldTracker(t *testing.T) *FieldTracker {
	t.Helper()

	ctx := context.Background()
	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return NewFieldTracker(testLogger(), store, merge.NewRegistry())
}

func strPtr(s string) *string {
	return &s
}

func fieldWrite(field, value string, ts int64, origin string) *models.FieldChange {
	return &models.FieldChange{
		Entity:    "posts",
		EntityID:  "1",
		Field:     field,
		Value:     strPtr(value),
		Origin:    origin,
		Timestamp: ts,
	}
}

func TestFieldTracker_RecordFieldChange(t *testing.T) {
	ctx := context.Background()
	tracker := setupFieldTracker(t)

	applied, err := tracker.RecordFieldChange(ctx, fieldWrite("title", "hello", 100, "conn-a"))
	require.NoError(t, err)
	assert.True(t, applied)

	// A stale write is recorded but does not become the latest value.
	applied, err = tracker.RecordFieldChange(ctx, fieldWrite("title", "stale", 50, "conn-b"))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestFieldTracker_Merge_NewerWins(t *testing.T) {
	ctx := context.Background()
	tracker := setupFieldTracker(t)

	applied, conflicts, err := tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{
		fieldWrite("title", "hello", 100, "conn-a"),
		fieldWrite("body", "text", 100, "conn-a"),
	})
	require.NoError(t, err)
	assert.Len(t, applied, 2)
	assert.Empty(t, conflicts)

	fields, err := tracker.LatestFields(ctx, "posts", "1")
	require.NoError(t, err)
	assert.Equal(t, "hello", *fields["title"].Value)
	assert.Equal(t, "text", *fields["body"].Value)
}

func TestFieldTracker_Merge_OlderWriteConflicts(t *testing.T) {
	ctx := context.Background()
	tracker := setupFieldTracker(t)

	_, _, err := tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{
		fieldWrite("title", "Hello", 100, "conn-a"),
	})
	require.NoError(t, err)

	applied, conflicts, err := tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{
		fieldWrite("title", "World", 99, "conn-b"),
	})
	require.NoError(t, err)
	assert.Empty(t, applied)
	require.Len(t, conflicts, 1)

	report := conflicts[0]
	assert.Equal(t, "title", report.Field)
	assert.Equal(t, "Hello", *report.ServerValue)
	assert.Equal(t, int64(100), report.ServerTimestamp)
	assert.Equal(t, "World", *report.ClientValue)
	assert.Equal(t, int64(99), report.ClientTimestamp)

	// Server retains the winner.
	fields, err := tracker.LatestFields(ctx, "posts", "1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", *fields["title"].Value)
}

func TestFieldTracker_Merge_EqualValueIsNoOp(t *testing.T) {
	ctx := context.Background()
	tracker := setupFieldTracker(t)

	_, _, err := tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{
		fieldWrite("title", "hello", 100, "conn-a"),
	})
	require.NoError(t, err)

	// Same value, older timestamp: neither applied nor a conflict.
	applied, conflicts, err := tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{
		fieldWrite("title", "hello", 90, "conn-b"),
	})
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Empty(t, conflicts)
}

func TestFieldTracker_Merge_OutcomeIndependentOfArrivalOrder(t *testing.T) {
	ctx := context.Background()

	hello := func() *models.FieldChange { return fieldWrite("title", "Hello", 100, "conn-a") }
	world := func() *models.FieldChange { return fieldWrite("title", "World", 99, "conn-b") }

	// Forward network order.
	forward := setupFieldTracker(t)
	_, _, err := forward.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{hello()})
	require.NoError(t, err)
	_, _, err = forward.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{world()})
	require.NoError(t, err)

	// Reversed network order.
	reversed := setupFieldTracker(t)
	_, _, err = reversed.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{world()})
	require.NoError(t, err)
	_, _, err = reversed.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{hello()})
	require.NoError(t, err)

	forwardFields, err := forward.LatestFields(ctx, "posts", "1")
	require.NoError(t, err)
	reversedFields, err := reversed.LatestFields(ctx, "posts", "1")
	require.NoError(t, err)

	assert.Equal(t, "Hello", *forwardFields["title"].Value)
	assert.Equal(t, *forwardFields["title"].Value, *reversedFields["title"].Value,
		"replaying in reversed order must yield the same winner")
}

func TestFieldTracker_Merge_TimestampTieBreaksByOrigin(t *testing.T) {
	ctx := context.Background()
	tracker := setupFieldTracker(t)

	_, _, err := tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{
		fieldWrite("title", "from-a", 100, "conn-a"),
	})
	require.NoError(t, err)

	// Equal timestamp, lexically greater origin wins.
	applied, conflicts, err := tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{
		fieldWrite("title", "from-b", 100, "conn-b"),
	})
	require.NoError(t, err)
	assert.Len(t, applied, 1)
	assert.Empty(t, conflicts)

	// And the lexically smaller origin loses the same tie.
	applied, conflicts, err = tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{
		fieldWrite("title", "from-a-again", 100, "conn-a"),
	})
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Len(t, conflicts, 1)
}

func TestFieldTracker_Merge_DeletionWins(t *testing.T) {
	ctx := context.Background()
	tracker := setupFieldTracker(t)

	_, _, err := tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{
		fieldWrite("title", "hello", 100, "conn-a"),
	})
	require.NoError(t, err)

	deletion := &models.FieldChange{
		Entity:    "posts",
		EntityID:  "1",
		Field:     "title",
		Value:     nil,
		Origin:    "conn-b",
		Timestamp: 200,
	}
	applied, conflicts, err := tracker.MergeFieldChanges(ctx, "posts", "1", []*models.FieldChange{deletion})
	require.NoError(t, err)
	assert.Len(t, applied, 1)
	assert.Empty(t, conflicts)

	fields, err := tracker.LatestFields(ctx, "posts", "1")
	require.NoError(t, err)
	assert.Nil(t, fields["title"].Value)
}
