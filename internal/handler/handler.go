// Package handler reconciles a fetch outcome with queue state.
package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harvestq/harvestq/internal/fetch"
	"github.com/harvestq/harvestq/internal/metrics"
	"github.com/harvestq/harvestq/internal/model"
	"github.com/harvestq/harvestq/internal/queue"
	"github.com/harvestq/harvestq/internal/store"
)

// quotaShift is how far a token's whole backlog slips on a quota error.
const quotaShift = 7 * time.Second

// Handler processes one claimed queue entry end to end: fetch, audit,
// queue transition.
type Handler struct {
	queue   *queue.Manager
	store   store.Store
	client  *resty.Client
	perPage int
	log     zerolog.Logger
}

func New(q *queue.Manager, st store.Store, client *resty.Client, perPage int, log zerolog.Logger) *Handler {
	if perPage <= 0 {
		perPage = 100
	}
	return &Handler{queue: q, store: st, client: client, perPage: perPage, log: log}
}

// Handle loads the entry, runs one fetch attempt and applies the
// matching terminal transition. Errors never escape: failures are
// materialized as audit and history rows.
func (h *Handler) Handle(ctx context.Context, entryID int64) {
	procID := uuid.NewString()
	log := h.log.With().Str("proc_uuid", procID).Logger()

	e, err := h.store.Queue().ByID(ctx, entryID)
	if err != nil {
		log.Error().Err(err).Int64("entry_id", entryID).Msg("entry lookup failed")
		return
	}
	if e == nil {
		log.Warn().Int64("entry_id", entryID).Msg("no such entry in queue")
		return
	}

	log.Info().
		Str("type", e.Type).
		Int64("token_id", e.TokenID).
		Str("url", e.URL).
		Msg("processing entry")

	behaviour := fetch.NewGithubPageable(
		h.client, e.TokenValue, h.perPage,
		e.Type, e.URL, e.Headers, e.Params,
		e.TokenID, procID, log)

	res, loadErr := fetch.NewLoader(behaviour, h.store.Audits(), log).Load(ctx)

	switch {
	case loadErr != nil:
		h.fail(ctx, log, e, res, loadErr.Error())
	case res == nil:
		log.Warn().Int64("entry_id", e.ID).Msg("no load context; entry left claimed")
	case res.Status < 400:
		h.ok(ctx, log, e, res)
	default:
		h.fail(ctx, log, e, res, res.Body)
	}
}

func (h *Handler) ok(ctx context.Context, log zerolog.Logger, e *model.QueueEntry, res *fetch.LoadResult) {
	now := time.Now()
	e.State = model.StateProcessed
	e.UpdatedAt = now
	e.ClosedAt = &now

	next, err := nextPageEntry(e, res)
	if err != nil {
		log.Error().Err(err).Int64("entry_id", e.ID).Msg("serialize next page entry")
		return
	}
	if err := h.queue.CompleteOK(ctx, e, next); err != nil {
		log.Error().Err(err).Int64("entry_id", e.ID).Msg("complete ok failed")
		return
	}
	metrics.Completions.WithLabelValues("ok").Inc()
}

func (h *Handler) fail(ctx context.Context, log zerolog.Logger, e *model.QueueEntry, res *fetch.LoadResult, errText string) {
	now := time.Now()
	e.State = model.StateUnprocessed
	e.UpdatedAt = now
	e.Error = &errText
	e.RetryCount++

	if e.RetryCount >= model.MaxRetryCount {
		e.ClosedAt = &now
		if err := h.queue.CompleteTerminal(ctx, e, errText); err != nil {
			log.Error().Err(err).Int64("entry_id", e.ID).Msg("complete terminal failed")
			return
		}
		metrics.Completions.WithLabelValues("terminal").Inc()
	} else {
		if err := h.queue.CompleteRetry(ctx, e, errText); err != nil {
			log.Error().Err(err).Int64("entry_id", e.ID).Msg("complete retry failed")
			return
		}
		metrics.Completions.WithLabelValues("retry").Inc()
	}

	if res != nil && (res.Status == 403 || res.Status == 429) {
		if err := h.queue.ShiftByToken(ctx, e.TokenID, quotaShift); err != nil {
			log.Error().Err(err).Int64("token_id", e.TokenID).Msg("token shift failed")
			return
		}
		metrics.TokenShifts.Inc()
		log.Debug().Int64("token_id", e.TokenID).Dur("shift", quotaShift).Msg("token backlog shifted")
	}
}

// nextPageEntry clones the finished entry for the following page. The
// Authorization header never reaches the queue; it is re-injected from
// the token secret at dispatch time.
func nextPageEntry(e *model.QueueEntry, res *fetch.LoadResult) (*model.QueueEntry, error) {
	if res.Next == nil {
		return nil, nil
	}
	headers := make(map[string]string, len(res.Next.Headers))
	for k, v := range res.Next.Headers {
		if k == "Authorization" {
			continue
		}
		headers[k] = v
	}
	rawHeaders, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}
	rawParams, err := json.Marshal(res.Next.Params)
	if err != nil {
		return nil, err
	}
	return &model.QueueEntry{
		TokenID: e.TokenID,
		URL:     res.Next.URL,
		BaseURL: e.BaseURL,
		Type:    e.Type,
		Headers: string(rawHeaders),
		Params:  string(rawParams),
		State:   model.StateUnprocessed,
	}, nil
}
