package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/harvestq/harvestq/internal/model"
)

// entrySpacing is the minimum distance between two entries of the same
// token on the schedule.
const entrySpacing = 720 * time.Millisecond

const addEntrySQL = `
INSERT INTO object_queue
    (token_id, url, base_object_url, object_type, headers, params,
     created_at, updated_at, retry_count, state, execute_at)
VALUES
    ($1, $2, $3, $4, $5, $6, now(), now(), 0, $7,
     (SELECT coalesce(max(execute_at), now()) + $8 * interval '1 millisecond'
        FROM object_queue WHERE token_id = $1))
RETURNING id, execute_at`

// fillSQL enqueues base objects for tokens with spare capacity as one
// statement so that concurrent dispatch cannot interleave. Candidate i
// (1-indexed) goes to token (i-1)/objects_per_token + 1 and lands
// objects_per_token rows deep at most, spaced entrySpacing apart after
// the token's current tail.
// $1 queue threshold, $2 objects per token, $3 per_page, $4 spacing ms.
const fillSQL = `
WITH ready_token AS (
    SELECT tkn.id AS token_id,
           coalesce(max(q.execute_at), now() + interval '3 seconds') AS last_execute
    FROM token tkn
    LEFT JOIN object_queue q ON q.token_id = tkn.id
    WHERE tkn.is_enable
    GROUP BY tkn.id
    HAVING count(q.id) <= $1
),
numbered_token AS (
    SELECT token_id, last_execute,
           row_number() OVER (ORDER BY token_id) AS rn
    FROM ready_token
),
candidate AS (
    SELECT base.url AS base_object_url,
           base.url || '/comments' AS url,
           row_number() OVER (ORDER BY base.url) AS rn
    FROM issue_loading base
    LEFT JOIN object_queue q ON q.base_object_url = base.url
    WHERE base.comment_state = 'to_do'
      AND q.id IS NULL
),
joint AS (
    SELECT nt.token_id, nt.last_execute, c.base_object_url, c.url,
           row_number() OVER (PARTITION BY nt.token_id ORDER BY c.url) AS rn
    FROM candidate c
    JOIN numbered_token nt ON nt.rn = (c.rn - 1) / $2 + 1
    WHERE c.rn <= (SELECT count(*) * $2 FROM ready_token)
)
INSERT INTO object_queue
    (token_id, base_object_url, url, created_at, updated_at, retry_count,
     object_type, headers, params, execute_at, state)
SELECT token_id, base_object_url, url, now(), now(), 0,
       'comments', '{}',
       json_build_object('per_page', $3::int, 'page', 1)::text,
       last_execute + rn * ($4 * interval '1 millisecond'),
       'unprocessed'
FROM joint`

const claimWindowSQL = `
UPDATE object_queue
SET updated_at = now(), state = $4, uuid = $1
WHERE execute_at >= $2::timestamptz - $3 * interval '1 second'
  AND execute_at <  $2::timestamptz + $3 * interval '1 second'
  AND state = $5
  AND uuid IS NULL`

const entryColumns = `
    q.id, q.token_id, t.value, q.uuid, q.url, q.base_object_url,
    q.object_type, q.headers, q.params, q.retry_count, q.state,
    q.execute_at, q.created_at, q.updated_at, q.closed_at, q.error`

const byClaimSQL = `
SELECT` + entryColumns + `
FROM object_queue q
JOIN token t ON t.id = q.token_id
WHERE q.uuid = $1
ORDER BY q.execute_at`

const byIDSQL = `
SELECT` + entryColumns + `
FROM object_queue q
JOIN token t ON t.id = q.token_id
WHERE q.id = $1`

const shiftByTokenSQL = `
UPDATE object_queue
SET execute_at = execute_at + $2 * interval '1 second'
WHERE token_id = $1`

// saveHistorySQL copies the queue row into object_history. The history
// retry count is the queue row's count plus one: the attempt that closed
// the entry.
const saveHistorySQL = `
INSERT INTO object_history
    (base_object_url, url, object_type, token_id, created_at, updated_at,
     closed_at, state, retry_count, error_text)
SELECT base_object_url, url, object_type, token_id, created_at, now(),
       $2, $3, retry_count + 1, $4
FROM object_queue
WHERE id = $1`

const markBaseDoneSQL = `
UPDATE issue_loading SET comment_state = 'done' WHERE url = $1`

const deleteByIDSQL = `DELETE FROM object_queue WHERE id = $1`

// moveEntryToEndSQL repositions an entry after its token's current tail,
// releasing the claim and taking state back to unprocessed.
const moveEntryToEndSQL = `
UPDATE object_queue
SET execute_at = (SELECT max(execute_at) FROM object_queue WHERE token_id = $2)
                 + $3 * interval '1 millisecond',
    retry_count = $4, state = $5, uuid = NULL, updated_at = now(), error = $6
WHERE id = $1`

const deleteAncientSQL = `
DELETE FROM object_queue
WHERE execute_at < now() - $1 * interval '1 second'`

const truncateSQL = `TRUNCATE object_queue`

type queue struct{ db *sql.DB }

func (q *queue) AddEntry(ctx context.Context, e *model.QueueEntry) error {
	row := q.db.QueryRowContext(ctx, addEntrySQL,
		e.TokenID, e.URL, e.BaseURL, e.Type, e.Headers, e.Params,
		model.StateUnprocessed, entrySpacing.Milliseconds())
	return row.Scan(&e.ID, &e.ExecuteAt)
}

func (q *queue) Fill(ctx context.Context, queueThreshold, objectsPerToken, perPage int) (int64, error) {
	res, err := q.db.ExecContext(ctx, fillSQL,
		queueThreshold, objectsPerToken, perPage, entrySpacing.Milliseconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *queue) ClaimWindow(ctx context.Context, claimID string, now time.Time, mu time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, claimWindowSQL,
		claimID, now, mu.Seconds(), model.StateToProcess, model.StateUnprocessed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *queue) ByClaim(ctx context.Context, claimID string) ([]*model.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, byClaimSQL, claimID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *queue) ByID(ctx context.Context, id int64) (*model.QueueEntry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx, byIDSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (q *queue) ShiftByToken(ctx context.Context, tokenID int64, shift time.Duration) error {
	_, err := q.db.ExecContext(ctx, shiftByTokenSQL, tokenID, shift.Seconds())
	return err
}

func (q *queue) CompleteOK(ctx context.Context, e *model.QueueEntry) error {
	return q.inTx(ctx, func(tx *sql.Tx) error {
		if err := saveHistory(ctx, tx, e, nil); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, markBaseDoneSQL, e.BaseURL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, deleteByIDSQL, e.ID)
		return err
	})
}

func (q *queue) CompleteRetry(ctx context.Context, e *model.QueueEntry, errText string) error {
	return q.inTx(ctx, func(tx *sql.Tx) error {
		if err := saveHistory(ctx, tx, e, &errText); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, moveEntryToEndSQL,
			e.ID, e.TokenID, entrySpacing.Milliseconds(),
			e.RetryCount, model.StateUnprocessed, errText)
		return err
	})
}

func (q *queue) CompleteTerminal(ctx context.Context, e *model.QueueEntry, errText string) error {
	return q.inTx(ctx, func(tx *sql.Tx) error {
		if err := saveHistory(ctx, tx, e, &errText); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, deleteByIDSQL, e.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, markBaseDoneSQL, e.BaseURL)
		return err
	})
}

func (q *queue) DeleteAncient(ctx context.Context, depth time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteAncientSQL, depth.Seconds())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *queue) Truncate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, truncateSQL)
	return err
}

func (q *queue) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func saveHistory(ctx context.Context, tx *sql.Tx, e *model.QueueEntry, errText *string) error {
	_, err := tx.ExecContext(ctx, saveHistorySQL, e.ID, e.ClosedAt, e.State, errText)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var claimID, errText *string
	var closedAt *time.Time
	if err := row.Scan(
		&e.ID, &e.TokenID, &e.TokenValue, &claimID, &e.URL, &e.BaseURL,
		&e.Type, &e.Headers, &e.Params, &e.RetryCount, &e.State,
		&e.ExecuteAt, &e.CreatedAt, &e.UpdatedAt, &closedAt, &errText,
	); err != nil {
		return nil, err
	}
	e.ClaimID = claimID
	e.ClosedAt = closedAt
	e.Error = errText
	return &e, nil
}
