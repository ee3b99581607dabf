// Package fetch executes single paginated HTTP requests against the
// upstream API and reports whether a further page exists.
package fetch

import (
	"context"
	"encoding/json"

	"github.com/harvestq/harvestq/internal/model"
)

// LoadContext is the full input of one HTTP attempt.
type LoadContext struct {
	URL     string
	Params  map[string]interface{}
	Headers map[string]string

	Page      int
	Remaining int
	TokenID   int64
	ProcID    string
}

// LoadResult is the outcome of one HTTP attempt. Next is nil when the
// paging stream for the base object is exhausted.
type LoadResult struct {
	Items       []json.RawMessage
	Context     *LoadContext
	Status      int
	RespHeaders map[string]string
	Body        string
	Next        *LoadContext
}

// endResult synthesizes a terminal result for a failed attempt. Status
// stays zero so callers route it to the retry path.
func endResult(lc *LoadContext) *LoadResult {
	return &LoadResult{Context: lc}
}

// Behaviour is the capability contract for one remote site. A concrete
// behaviour owns URL composition, auth injection and pagination rules;
// the Loader owns the audit-row lifecycle around it.
type Behaviour interface {
	// InitialContext builds the context of the next attempt, or nil when
	// there is nothing to load.
	InitialContext() *LoadContext

	// Load performs one request. A returned error means the attempt did
	// not produce an interpretable response (transport failure, bad body).
	Load(ctx context.Context, lc *LoadContext, audit *model.Loading) (*LoadResult, error)

	// HandleError converts a failed attempt into a terminal result.
	HandleError(lc *LoadContext, err error, audit *model.Loading) *LoadResult

	PreLoad(lc *LoadContext)
	PostLoad(r *LoadResult)
}

// NopHooks provides no-op PreLoad/PostLoad for behaviours that do not
// need them.
type NopHooks struct{}

func (NopHooks) PreLoad(*LoadContext) {}
func (NopHooks) PostLoad(*LoadResult) {}
