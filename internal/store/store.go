package store

import (
	"context"
	"time"

	"github.com/harvestq/harvestq/internal/model"
)

// Store exposes the persistence operations required by the dispatcher and
// the load handler. Implementations live under internal/store/<driver>/.
type Store interface {
	Queue() Queue
	Tokens() Tokens
	Audits() Audits
}

// Queue owns the object_queue, object_history and issue_loading tables.
// Each method is a single transaction; the Complete* methods compose
// multiple statements and must keep the history-then-delete invariant
// inside one transaction.
type Queue interface {
	// AddEntry inserts an unprocessed entry. execute_at is computed
	// server-side as coalesce(max(execute_at) for the token, now()) plus
	// the per-token spacing.
	AddEntry(ctx context.Context, e *model.QueueEntry) error

	// Fill bulk-enqueues base objects for enabled tokens whose queue depth
	// is at or below queueThreshold, assigning objectsPerToken objects per
	// token. Returns the number of rows inserted.
	Fill(ctx context.Context, queueThreshold, objectsPerToken, perPage int) (int64, error)

	// ClaimWindow marks unprocessed, unclaimed entries whose execute_at
	// falls in [now-mu, now+mu) as to_process under claimID. Returns the
	// number of rows claimed.
	ClaimWindow(ctx context.Context, claimID string, now time.Time, mu time.Duration) (int64, error)

	// ByClaim returns the entries of one claim batch, token secret joined.
	ByClaim(ctx context.Context, claimID string) ([]*model.QueueEntry, error)

	// ByID returns a single entry with its token secret joined, or nil if
	// the row is gone.
	ByID(ctx context.Context, id int64) (*model.QueueEntry, error)

	// ShiftByToken pushes execute_at of every entry owned by tokenID
	// forward by shift. Concurrent shifts for the same token compound;
	// last writer wins per row.
	ShiftByToken(ctx context.Context, tokenID int64, shift time.Duration) error

	// CompleteOK writes the history row, marks the parent base object
	// done and deletes the queue row, all in one transaction.
	CompleteOK(ctx context.Context, e *model.QueueEntry) error

	// CompleteRetry writes a history row carrying errText and repositions
	// the entry at the end of its token's schedule with the retry count
	// taken from e, in one transaction.
	CompleteRetry(ctx context.Context, e *model.QueueEntry, errText string) error

	// CompleteTerminal writes a history row carrying errText, deletes the
	// queue row and marks the parent base object done, in one transaction.
	CompleteTerminal(ctx context.Context, e *model.QueueEntry, errText string) error

	// DeleteAncient prunes entries with execute_at older than now-depth.
	DeleteAncient(ctx context.Context, depth time.Duration) (int64, error)

	// Truncate wipes the queue. Called once at startup to clear claims
	// left over by a previous process.
	Truncate(ctx context.Context) error
}

// Tokens reads API credentials.
type Tokens interface {
	ByID(ctx context.Context, id int64) (*model.Token, error)
}

// Audits is the per-request audit sink (loading table).
type Audits interface {
	// Create opens an audit row before the request is issued.
	Create(ctx context.Context, url, reqParams, reqHeaders string) (*model.Loading, error)
	// Finish stamps the response fields and the end timestamp.
	Finish(ctx context.Context, l *model.Loading) error
}
