package transcript

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "transcripts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Append(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	rec := Record{
		TurnID:     "t1",
		SessionID:  "s1",
		Account:    "0.0.123",
		Query:      "what is account 0.0.123?",
		Answer:     "It is a treasury account.",
		State:      "completed",
		ActualCost: 0.002,
		StartedAt:  now,
		FinishedAt: now.Add(2 * time.Second),
	}
	require.NoError(t, store.Append(ctx, rec))

	var (
		account string
		answer  string
		state   string
		cost    float64
	)
	err := store.db.QueryRowContext(ctx,
		`SELECT account, answer, state, actual_cost FROM turns WHERE turn_id = ?`, "t1",
	).Scan(&account, &answer, &state, &cost)
	require.NoError(t, err)
	assert.Equal(t, rec.Account, account)
	assert.Equal(t, rec.Answer, answer)
	assert.Equal(t, rec.State, state)
	assert.InDelta(t, rec.ActualCost, cost, 1e-9)
}

func TestSQLiteStore_AppendSameTurnTwice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := Record{TurnID: "t1", SessionID: "s1", State: "completed", StartedAt: time.Now(), FinishedAt: time.Now()}
	require.NoError(t, store.Append(ctx, rec))
	rec.State = "failed"
	require.NoError(t, store.Append(ctx, rec))

	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&count))
	assert.Equal(t, 1, count, "turn id is the primary key, rewrites replace")
}

func TestSQLiteStore_SessionOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, q := range []string{"first", "second", "third"} {
		require.NoError(t, store.Append(ctx, Record{
			TurnID:    q,
			SessionID: "s1",
			Query:     q,
			State:     "completed",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.Append(ctx, Record{
		TurnID: "other", SessionID: "s2", State: "completed", StartedAt: base,
	}))

	rows, err := store.db.QueryContext(ctx,
		`SELECT query FROM turns WHERE session_id = ? ORDER BY started_at`, "s1")
	require.NoError(t, err)
	defer rows.Close()

	var queries []string
	for rows.Next() {
		var q string
		require.NoError(t, rows.Scan(&q))
		queries = append(queries, q)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"first", "second", "third"}, queries)
}
