package postgres

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harvestq/harvestq/internal/model"
	"github.com/harvestq/harvestq/internal/store"
)

// makeIntegrationStore connects to the database named by
// HARVESTER_POSTGRES_DSN, applies the schema and wipes all tables.
func makeIntegrationStore(t *testing.T) (*sql.DB, store.Store) {
	t.Helper()
	dsn := os.Getenv("HARVESTER_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HARVESTER_POSTGRES_DSN not set; skipping postgres integration test")
	}
	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	raw, err := os.ReadFile(filepath.Join("..", "..", "..", "schema.sql"))
	require.NoError(t, err)
	for _, stmt := range strings.Split(string(raw), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	_, err = db.Exec(`TRUNCATE token, issue_loading, object_queue, object_history, loading RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	return db, NewWithDB(db)
}

func insertToken(t *testing.T, db *sql.DB, value string, enabled bool) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`INSERT INTO token (value, is_enable) VALUES ($1, $2) RETURNING id`,
		value, enabled).Scan(&id)
	require.NoError(t, err)
	return id
}

func insertBaseObject(t *testing.T, db *sql.DB, url string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO issue_loading (url, comment_state) VALUES ($1, 'to_do')`, url)
	require.NoError(t, err)
}

func newEntry(tokenID int64, base string) *model.QueueEntry {
	return &model.QueueEntry{
		TokenID: tokenID,
		URL:     base + "/comments",
		BaseURL: base,
		Type:    "comments",
		Headers: "{}",
		Params:  `{"per_page":100,"page":1}`,
		State:   model.StateUnprocessed,
	}
}

func TestIntegration_AddEntrySpacesSameToken(t *testing.T) {
	db, st := makeIntegrationStore(t)
	ctx := context.Background()
	tokenID := insertToken(t, db, "secret", true)

	first := newEntry(tokenID, "https://api/x/1")
	second := newEntry(tokenID, "https://api/x/2")
	require.NoError(t, st.Queue().AddEntry(ctx, first))
	require.NoError(t, st.Queue().AddEntry(ctx, second))

	require.True(t, second.ExecuteAt.After(first.ExecuteAt))
	require.WithinDuration(t, first.ExecuteAt.Add(720*time.Millisecond), second.ExecuteAt, 5*time.Millisecond)
}

func TestIntegration_ClaimCompleteMovesToHistory(t *testing.T) {
	db, st := makeIntegrationStore(t)
	ctx := context.Background()
	tokenID := insertToken(t, db, "secret", true)
	insertBaseObject(t, db, "https://api/x/1")

	e := newEntry(tokenID, "https://api/x/1")
	require.NoError(t, st.Queue().AddEntry(ctx, e))

	// A window wide enough to cover the freshly scheduled entry.
	n, err := st.Queue().ClaimWindow(ctx, "claim-1", time.Now(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	batch, err := st.Queue().ByClaim(ctx, "claim-1")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "secret", batch[0].TokenValue)
	require.Equal(t, model.StateToProcess, batch[0].State)

	// A second claim must not steal the batch.
	n, err = st.Queue().ClaimWindow(ctx, "claim-2", time.Now(), 5*time.Second)
	require.NoError(t, err)
	require.Zero(t, n)

	done := batch[0]
	now := time.Now()
	done.State = model.StateProcessed
	done.ClosedAt = &now
	require.NoError(t, st.Queue().CompleteOK(ctx, done))

	gone, err := st.Queue().ByID(ctx, done.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	var histState string
	var histRetries int
	err = db.QueryRow(`SELECT state, retry_count FROM object_history WHERE url = $1`, done.URL).
		Scan(&histState, &histRetries)
	require.NoError(t, err)
	require.Equal(t, "processed", histState)
	require.Equal(t, 1, histRetries)

	var baseState string
	err = db.QueryRow(`SELECT comment_state FROM issue_loading WHERE url = $1`, done.BaseURL).
		Scan(&baseState)
	require.NoError(t, err)
	require.Equal(t, "done", baseState)
}

func TestIntegration_FillCapsPerToken(t *testing.T) {
	db, st := makeIntegrationStore(t)
	ctx := context.Background()
	insertToken(t, db, "secret", true)
	insertToken(t, db, "disabled", false)
	for _, u := range []string{"https://api/x/1", "https://api/x/2", "https://api/x/3"} {
		insertBaseObject(t, db, u)
	}

	n, err := st.Queue().Fill(ctx, 50, 2, 100)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	var params string
	err = db.QueryRow(`SELECT params FROM object_queue ORDER BY id LIMIT 1`).Scan(&params)
	require.NoError(t, err)
	require.Contains(t, params, `"per_page" : 100`)

	// Second run must not re-enqueue the same base objects, only the
	// remaining one.
	n, err = st.Queue().Fill(ctx, 50, 2, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestIntegration_ClaimWindowLeavesOutOfWindowEntries(t *testing.T) {
	db, st := makeIntegrationStore(t)
	ctx := context.Background()
	tokenID := insertToken(t, db, "secret", true)

	// Two entries one spacing apart; a narrow window centered on the
	// first must not reach the second.
	first := newEntry(tokenID, "https://api/x/1")
	second := newEntry(tokenID, "https://api/x/2")
	require.NoError(t, st.Queue().AddEntry(ctx, first))
	require.NoError(t, st.Queue().AddEntry(ctx, second))

	n, err := st.Queue().ClaimWindow(ctx, "claim-1", first.ExecuteAt, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	batch, err := st.Queue().ByClaim(ctx, "claim-1")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, first.ID, batch[0].ID)

	left, err := st.Queue().ByID(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, left)
	require.Equal(t, model.StateUnprocessed, left.State)
	require.Nil(t, left.ClaimID)
}

func TestIntegration_FillSkipsTokensOverThreshold(t *testing.T) {
	db, st := makeIntegrationStore(t)
	ctx := context.Background()
	tokenID := insertToken(t, db, "secret", true)
	insertBaseObject(t, db, "https://api/x/fresh")

	// Push the token's queue depth past the threshold.
	require.NoError(t, st.Queue().AddEntry(ctx, newEntry(tokenID, "https://api/x/q1")))
	require.NoError(t, st.Queue().AddEntry(ctx, newEntry(tokenID, "https://api/x/q2")))

	n, err := st.Queue().Fill(ctx, 1, 5, 100)
	require.NoError(t, err)
	require.Zero(t, n)

	var depth int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM object_queue`).Scan(&depth))
	require.Equal(t, 2, depth)
}

func TestIntegration_ShiftByTokenMovesWholeBacklog(t *testing.T) {
	db, st := makeIntegrationStore(t)
	ctx := context.Background()
	tokenID := insertToken(t, db, "secret", true)

	e := newEntry(tokenID, "https://api/x/1")
	require.NoError(t, st.Queue().AddEntry(ctx, e))

	require.NoError(t, st.Queue().ShiftByToken(ctx, tokenID, 7*time.Second))

	after, err := st.Queue().ByID(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, after)
	require.WithinDuration(t, e.ExecuteAt.Add(7*time.Second), after.ExecuteAt, 5*time.Millisecond)
}

func TestIntegration_CompleteRetryRepositionsAtTail(t *testing.T) {
	db, st := makeIntegrationStore(t)
	ctx := context.Background()
	tokenID := insertToken(t, db, "secret", true)

	e := newEntry(tokenID, "https://api/x/1")
	tail := newEntry(tokenID, "https://api/x/2")
	require.NoError(t, st.Queue().AddEntry(ctx, e))
	require.NoError(t, st.Queue().AddEntry(ctx, tail))

	n, err := st.Queue().ClaimWindow(ctx, "claim-1", time.Now(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	e.RetryCount = 1
	e.State = model.StateUnprocessed
	require.NoError(t, st.Queue().CompleteRetry(ctx, e, "boom"))

	moved, err := st.Queue().ByID(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, moved)
	require.Nil(t, moved.ClaimID)
	require.Equal(t, model.StateUnprocessed, moved.State)
	require.Equal(t, 1, moved.RetryCount)
	require.True(t, moved.ExecuteAt.After(tail.ExecuteAt))
	require.NotNil(t, moved.Error)
	require.Equal(t, "boom", *moved.Error)

	// History records the attempt that just failed: the stored count plus one.
	var histRetries int
	require.NoError(t, db.QueryRow(
		`SELECT retry_count FROM object_history WHERE url = $1`, e.URL).Scan(&histRetries))
	require.Equal(t, 1, histRetries)
}
