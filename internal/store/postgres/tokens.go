package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/harvestq/harvestq/internal/model"
)

type tokens struct{ db *sql.DB }

func (t *tokens) ByID(ctx context.Context, id int64) (*model.Token, error) {
	var out model.Token
	row := t.db.QueryRowContext(ctx, `
        SELECT id, value, is_enable FROM token WHERE id = $1
    `, id)
	if err := row.Scan(&out.ID, &out.Value, &out.Enabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}
