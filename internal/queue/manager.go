// Package queue composes the store's scheduling primitives into the
// terminal transitions of a queue entry and owns the claim critical
// section.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harvestq/harvestq/internal/model"
	"github.com/harvestq/harvestq/internal/store"
)

// Config carries the scheduling knobs of the manager.
type Config struct {
	// QueueThreshold is the queue depth at or below which a token gets
	// topped up on fill.
	QueueThreshold int
	// ObjectsPerToken is the number of base objects assigned to each
	// eligible token on fill.
	ObjectsPerToken int
	// PerPage is the page size seeded into new entries' request params.
	PerPage int
	// ClaimHalfWidth is the half-width of the claim window.
	ClaimHalfWidth time.Duration
}

// Manager serializes claims within the process and wires next-page
// enqueues to completions. Cross-process claim safety relies on the
// store's atomic claim UPDATE alone.
type Manager struct {
	queue store.Queue
	cfg   Config
	log   zerolog.Logger

	claimMu sync.Mutex
}

func NewManager(q store.Queue, cfg Config, log zerolog.Logger) *Manager {
	if cfg.QueueThreshold <= 0 {
		cfg.QueueThreshold = 50
	}
	if cfg.ObjectsPerToken <= 0 {
		cfg.ObjectsPerToken = 150
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 100
	}
	if cfg.ClaimHalfWidth <= 0 {
		cfg.ClaimHalfWidth = 100 * time.Millisecond
	}
	return &Manager{queue: q, cfg: cfg, log: log}
}

// NextEntries claims the entries whose execute_at falls inside the
// current window and returns them with token secrets joined. The claim
// lock keeps two dispatch ticks in this process from double-counting a
// batch.
func (m *Manager) NextEntries(ctx context.Context) ([]*model.QueueEntry, error) {
	claimID := uuid.NewString()

	m.claimMu.Lock()
	defer m.claimMu.Unlock()

	n, err := m.queue.ClaimWindow(ctx, claimID, time.Now(), m.cfg.ClaimHalfWidth)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return m.queue.ByClaim(ctx, claimID)
}

// CompleteOK finishes a successful entry. The next-page entry, when
// present, is enqueued first and deliberately not rolled back with the
// completion transaction.
func (m *Manager) CompleteOK(ctx context.Context, e *model.QueueEntry, next *model.QueueEntry) error {
	if next != nil {
		if err := m.queue.AddEntry(ctx, next); err != nil {
			return err
		}
		m.log.Debug().
			Int64("token_id", next.TokenID).
			Str("url", next.URL).
			Msg("next page enqueued")
	}
	return m.queue.CompleteOK(ctx, e)
}

// CompleteRetry parks the entry at the end of its token's schedule and
// records the failed attempt in history.
func (m *Manager) CompleteRetry(ctx context.Context, e *model.QueueEntry, errText string) error {
	return m.queue.CompleteRetry(ctx, e, errText)
}

// CompleteTerminal removes an entry that has exhausted its retries.
func (m *Manager) CompleteTerminal(ctx context.Context, e *model.QueueEntry, errText string) error {
	return m.queue.CompleteTerminal(ctx, e, errText)
}

// ShiftByToken throttles a token's whole backlog after a quota error.
func (m *Manager) ShiftByToken(ctx context.Context, tokenID int64, shift time.Duration) error {
	return m.queue.ShiftByToken(ctx, tokenID, shift)
}

// Fill tops up under-filled tokens with fresh base objects.
func (m *Manager) Fill(ctx context.Context) (int64, error) {
	return m.queue.Fill(ctx, m.cfg.QueueThreshold, m.cfg.ObjectsPerToken, m.cfg.PerPage)
}

// DeleteAncient prunes entries that slipped past the claim window.
func (m *Manager) DeleteAncient(ctx context.Context, depth time.Duration) (int64, error) {
	return m.queue.DeleteAncient(ctx, depth)
}

// Truncate wipes the queue; run once at startup so claims left behind by
// a dead process do not linger.
func (m *Manager) Truncate(ctx context.Context) error {
	return m.queue.Truncate(ctx)
}
