package fetch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/harvestq/harvestq/internal/store"
)

// Loader drives one attempt of a Behaviour and owns the audit-row
// lifecycle around it: the row is created before the request and
// finished on every exit path.
type Loader struct {
	behaviour Behaviour
	audits    store.Audits
	log       zerolog.Logger
}

func NewLoader(b Behaviour, audits store.Audits, log zerolog.Logger) *Loader {
	return &Loader{behaviour: b, audits: audits, log: log}
}

// Load runs a single attempt. A nil result with nil error means the
// behaviour had nothing to load. When the behaviour fails, the error is
// recorded on the audit row and a terminal result is synthesized; the
// error is returned alongside it so the caller can route to its retry
// path.
func (l *Loader) Load(ctx context.Context) (*LoadResult, error) {
	lc := l.behaviour.InitialContext()
	if lc == nil {
		return nil, nil
	}

	audit, err := l.audits.Create(ctx, lc.URL, marshalJSON(lc.Params), marshalJSON(lc.Headers))
	if err != nil {
		return nil, err
	}

	l.behaviour.PreLoad(lc)
	res, loadErr := l.behaviour.Load(ctx, lc, audit)
	if loadErr == nil {
		if res != nil {
			audit.RespStatus = res.Status
			audit.RespHeaders = marshalJSON(res.RespHeaders)
			audit.RespText = res.Body
		}
		l.behaviour.PostLoad(res)
	} else {
		audit.Error = loadErr.Error()
		res = l.behaviour.HandleError(lc, loadErr, audit)
	}

	if err := l.audits.Finish(ctx, audit); err != nil {
		l.log.Error().Err(err).Int64("loading_id", audit.ID).Msg("finish audit row")
	}
	return res, loadErr
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
