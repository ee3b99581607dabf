package postgres

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/harvestq/harvestq/internal/model"
)

// maxAuditErrorLen caps the error column; longer messages are truncated.
const maxAuditErrorLen = 4096

const createLoadingSQL = `
INSERT INTO loading (guid, url, req_params, req_headers, begin_timestamp)
VALUES ($1, $2, $3, $4, now())
RETURNING id, begin_timestamp`

const finishLoadingSQL = `
UPDATE loading
SET resp_status = $2, resp_headers = $3, resp_text = $4, resp_raw = $5,
    end_timestamp = now(), error = $6
WHERE id = $1
RETURNING end_timestamp`

type audits struct{ db *sql.DB }

func (a *audits) Create(ctx context.Context, url, reqParams, reqHeaders string) (*model.Loading, error) {
	l := &model.Loading{
		GUID:       uuid.NewString(),
		URL:        url,
		ReqParams:  reqParams,
		ReqHeaders: reqHeaders,
	}
	row := a.db.QueryRowContext(ctx, createLoadingSQL, l.GUID, url, reqParams, reqHeaders)
	if err := row.Scan(&l.ID, &l.BeginTimestamp); err != nil {
		return nil, err
	}
	return l, nil
}

func (a *audits) Finish(ctx context.Context, l *model.Loading) error {
	var errText *string
	if l.Error != "" {
		t := l.Error
		if len(t) > maxAuditErrorLen {
			t = t[:maxAuditErrorLen]
		}
		errText = &t
	}
	row := a.db.QueryRowContext(ctx, finishLoadingSQL,
		l.ID, l.RespStatus, nullable(l.RespHeaders), nullable(l.RespText),
		nullable(l.RespRaw), errText)
	return row.Scan(&l.EndTimestamp)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
