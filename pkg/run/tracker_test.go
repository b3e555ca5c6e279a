package run

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklinbaldo/egregora-sub012/pkg/fault"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tr, err := NewTracker(db, "sqlite3")
	require.NoError(t, err)
	return tr
}

func TestStatusPredicates(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())

	assert.True(t, StatusRunning.IsValid())
	assert.False(t, Status("paused").IsValid())
}

func TestCreateAndGet(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.Create(ctx, "fp-abc")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	r, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "fp-abc", r.ConfigFingerprint)
	assert.Equal(t, "", r.CursorLabel)
	assert.Equal(t, int64(0), r.CursorKey)
	assert.Equal(t, 0, r.WindowsDone)
	assert.True(t, r.Resumable())

	_, err = tr.Create(ctx, "")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))
}

func TestGetNotFound(t *testing.T) {
	tr := newTestTracker(t)

	_, err := tr.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLifecycle(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.Create(ctx, "fp-1")
	require.NoError(t, err)

	require.NoError(t, tr.Start(ctx, id))
	r, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, r.Status)

	// Starting an already-running run is a resume no-op.
	require.NoError(t, tr.Start(ctx, id))

	require.NoError(t, tr.Advance(ctx, id, "2025-01-01", 100))
	require.NoError(t, tr.Advance(ctx, id, "2025-01-02", 200))

	r, err = tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "2025-01-02", r.CursorLabel)
	assert.Equal(t, int64(200), r.CursorKey)
	assert.Equal(t, 2, r.WindowsDone)

	require.NoError(t, tr.Finish(ctx, id, StatusSucceeded, ""))
	r, err = tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.False(t, r.Resumable())
}

func TestCursorMonotonicity(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.Create(ctx, "fp-2")
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, id))
	require.NoError(t, tr.Advance(ctx, id, "2025-03-05", 500))

	// Same key: rejected.
	err = tr.Advance(ctx, id, "2025-03-05", 500)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))

	// Regression: rejected, cursor untouched.
	err = tr.Advance(ctx, id, "2025-03-01", 100)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))

	r, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-05", r.CursorLabel)
	assert.Equal(t, int64(500), r.CursorKey)
	assert.Equal(t, 1, r.WindowsDone)
}

func TestAdvanceRequiresRunning(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.Create(ctx, "fp-3")
	require.NoError(t, err)

	err = tr.Advance(ctx, id, "w1", 1)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))

	err = tr.Advance(ctx, id, "", 1)
	require.Error(t, err)
}

func TestTerminalRunsAreImmutable(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.Create(ctx, "fp-4")
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, id))
	require.NoError(t, tr.Finish(ctx, id, StatusFailed, "writer exploded"))

	r, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "writer exploded", r.ErrorSummary)

	for _, attempt := range []func() error{
		func() error { return tr.Start(ctx, id) },
		func() error { return tr.Advance(ctx, id, "w9", 900) },
		func() error { return tr.Finish(ctx, id, StatusSucceeded, "") },
	} {
		err := attempt()
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindInvalidInput))
	}
}

func TestFinishRejectsNonTerminalStatus(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.Create(ctx, "fp-5")
	require.NoError(t, err)

	err = tr.Finish(ctx, id, StatusRunning, "")
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))
}

func TestCancelledPreservesCursor(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.Create(ctx, "fp-6")
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, id))
	require.NoError(t, tr.Advance(ctx, id, "2025-06-01", 42))
	require.NoError(t, tr.Finish(ctx, id, StatusCancelled, "interrupted"))

	r, err := tr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, r.Status)
	assert.Equal(t, "2025-06-01", r.CursorLabel)
	assert.Equal(t, int64(42), r.CursorKey)
}

func TestLatestPicksNewestForFingerprint(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	first, err := tr.Create(ctx, "fp-same")
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, first))
	require.NoError(t, tr.Finish(ctx, first, StatusSucceeded, ""))

	second, err := tr.Create(ctx, "fp-same")
	require.NoError(t, err)

	_, err = tr.Create(ctx, "fp-other")
	require.NoError(t, err)

	latest, err := tr.Latest(ctx, "fp-same")
	require.NoError(t, err)
	assert.Equal(t, second, latest.ID)

	_, err = tr.Latest(ctx, "fp-unknown")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListReturnsRecentRuns(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tr.Create(ctx, "fp-list")
		require.NoError(t, err)
	}

	runs, err := tr.List(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestTransitionsAudit(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	id, err := tr.Create(ctx, "fp-audit")
	require.NoError(t, err)
	require.NoError(t, tr.Start(ctx, id))
	require.NoError(t, tr.Advance(ctx, id, "2025-02-01", 10))
	require.NoError(t, tr.Finish(ctx, id, StatusSucceeded, ""))

	transitions, err := tr.Transitions(ctx, id)
	require.NoError(t, err)
	require.Len(t, transitions, 4)

	assert.Equal(t, StatusPending, transitions[0].ToStatus)
	assert.Equal(t, StatusRunning, transitions[1].ToStatus)
	assert.Equal(t, "2025-02-01", transitions[2].WindowLabel)
	assert.Equal(t, StatusSucceeded, transitions[3].ToStatus)

	for _, tran := range transitions {
		assert.Equal(t, id, tran.RunID)
		assert.False(t, tran.OccurredAt.IsZero())
	}
}
