package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harvestq/harvestq/internal/model"
	"github.com/harvestq/harvestq/internal/queue"
	"github.com/harvestq/harvestq/internal/store"
)

// fakeQueue backs a real queue.Manager so Handle runs the production
// transition logic end to end.
type fakeQueue struct {
	entry *model.QueueEntry

	added     []*model.QueueEntry
	completed []*model.QueueEntry
	retried   []*model.QueueEntry
	terminal  []*model.QueueEntry
	retryErrs []string
	shifts    []time.Duration
}

func (f *fakeQueue) AddEntry(_ context.Context, e *model.QueueEntry) error {
	f.added = append(f.added, e)
	return nil
}

func (f *fakeQueue) Fill(context.Context, int, int, int) (int64, error) { return 0, nil }

func (f *fakeQueue) ClaimWindow(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeQueue) ByClaim(context.Context, string) ([]*model.QueueEntry, error) { return nil, nil }

func (f *fakeQueue) ByID(_ context.Context, id int64) (*model.QueueEntry, error) {
	if f.entry == nil || f.entry.ID != id {
		return nil, nil
	}
	return f.entry, nil
}

func (f *fakeQueue) ShiftByToken(_ context.Context, _ int64, shift time.Duration) error {
	f.shifts = append(f.shifts, shift)
	return nil
}

func (f *fakeQueue) CompleteOK(_ context.Context, e *model.QueueEntry) error {
	f.completed = append(f.completed, e)
	return nil
}

func (f *fakeQueue) CompleteRetry(_ context.Context, e *model.QueueEntry, errText string) error {
	f.retried = append(f.retried, e)
	f.retryErrs = append(f.retryErrs, errText)
	return nil
}

func (f *fakeQueue) CompleteTerminal(_ context.Context, e *model.QueueEntry, _ string) error {
	f.terminal = append(f.terminal, e)
	return nil
}

func (f *fakeQueue) DeleteAncient(context.Context, time.Duration) (int64, error) { return 0, nil }
func (f *fakeQueue) Truncate(context.Context) error                              { return nil }

type fakeTokens struct{}

func (fakeTokens) ByID(context.Context, int64) (*model.Token, error) { return nil, nil }

type fakeAudits struct {
	finished []*model.Loading
}

func (f *fakeAudits) Create(_ context.Context, url, params, headers string) (*model.Loading, error) {
	return &model.Loading{ID: 1, URL: url, ReqParams: params, ReqHeaders: headers}, nil
}

func (f *fakeAudits) Finish(_ context.Context, l *model.Loading) error {
	f.finished = append(f.finished, l)
	return nil
}

type fakeStore struct {
	queue  *fakeQueue
	audits *fakeAudits
}

func (s *fakeStore) Queue() store.Queue   { return s.queue }
func (s *fakeStore) Tokens() store.Tokens { return fakeTokens{} }
func (s *fakeStore) Audits() store.Audits { return s.audits }

func newHarness(entry *model.QueueEntry) (*Handler, *fakeStore) {
	fq := &fakeQueue{entry: entry}
	st := &fakeStore{queue: fq, audits: &fakeAudits{}}
	m := queue.NewManager(fq, queue.Config{}, zerolog.Nop())
	h := New(m, st, resty.New().SetTimeout(2*time.Second), 2, zerolog.Nop())
	return h, st
}

func entryFixture(url string) *model.QueueEntry {
	return &model.QueueEntry{
		ID:         42,
		TokenID:    1,
		TokenValue: "secret",
		URL:        url,
		BaseURL:    url + "/base",
		Type:       "comments",
		Headers:    "{}",
		Params:     `{"per_page":2,"page":1}`,
		State:      model.StateToProcess,
	}
}

func TestHandle_FullPageCompletesAndEnqueuesNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "42")
		_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
	}))
	defer srv.Close()

	e := entryFixture(srv.URL)
	h, st := newHarness(e)

	h.Handle(context.Background(), e.ID)

	require.Len(t, st.queue.completed, 1)
	require.Equal(t, model.StateProcessed, st.queue.completed[0].State)
	require.NotNil(t, st.queue.completed[0].ClosedAt)

	require.Len(t, st.queue.added, 1)
	next := st.queue.added[0]
	require.Equal(t, e.TokenID, next.TokenID)
	require.Equal(t, e.URL, next.URL)
	require.Equal(t, model.StateUnprocessed, next.State)

	var params map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(next.Params), &params))
	require.EqualValues(t, 2, params["page"])

	var headers map[string]string
	require.NoError(t, json.Unmarshal([]byte(next.Headers), &headers))
	require.NotContains(t, headers, "Authorization")

	require.Len(t, st.audits.finished, 1)
	require.Equal(t, 200, st.audits.finished[0].RespStatus)
}

func TestHandle_ShortPageCompletesWithoutNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "42")
		_, _ = w.Write([]byte(`[{"id":3}]`))
	}))
	defer srv.Close()

	e := entryFixture(srv.URL)
	h, st := newHarness(e)

	h.Handle(context.Background(), e.ID)

	require.Len(t, st.queue.completed, 1)
	require.Empty(t, st.queue.added)
}

func TestHandle_QuotaErrorRetriesAndShiftsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"rate limited"}`))
	}))
	defer srv.Close()

	e := entryFixture(srv.URL)
	h, st := newHarness(e)

	h.Handle(context.Background(), e.ID)

	require.Len(t, st.queue.retried, 1)
	require.Equal(t, 1, st.queue.retried[0].RetryCount)
	require.Equal(t, model.StateUnprocessed, st.queue.retried[0].State)
	require.Empty(t, st.queue.completed)
	require.Equal(t, []time.Duration{quotaShift}, st.queue.shifts)
}

func TestHandle_ServerErrorRetriesWithoutShift(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	defer srv.Close()

	e := entryFixture(srv.URL)
	h, st := newHarness(e)

	h.Handle(context.Background(), e.ID)

	require.Len(t, st.queue.retried, 1)
	require.Contains(t, st.queue.retryErrs[0], "boom")
	require.Empty(t, st.queue.shifts)
}

func TestHandle_ExhaustedRetriesGoTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	defer srv.Close()

	e := entryFixture(srv.URL)
	e.RetryCount = model.MaxRetryCount - 1
	h, st := newHarness(e)

	h.Handle(context.Background(), e.ID)

	require.Len(t, st.queue.terminal, 1)
	require.Equal(t, model.MaxRetryCount, st.queue.terminal[0].RetryCount)
	require.NotNil(t, st.queue.terminal[0].ClosedAt)
	require.Empty(t, st.queue.retried)
}

func TestHandle_TransportErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := entryFixture(url)
	h, st := newHarness(e)

	h.Handle(context.Background(), e.ID)

	require.Len(t, st.queue.retried, 1)
	require.Empty(t, st.queue.shifts)
	require.Empty(t, st.queue.completed)
}

func TestHandle_MissingEntryIsNoOp(t *testing.T) {
	h, st := newHarness(nil)

	h.Handle(context.Background(), 99)

	require.Empty(t, st.queue.completed)
	require.Empty(t, st.queue.retried)
	require.Empty(t, st.queue.terminal)
}
