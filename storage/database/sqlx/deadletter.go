package sqlxrepos

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/bulletin/core"
)

type deadLetterRow struct {
	ID       string    `db:"id"`
	Lane     string    `db:"lane"`
	Kind     string    `db:"kind"`
	Key      string    `db:"key"`
	Payload  []byte    `db:"payload"`
	Error    string    `db:"error"`
	Attempts int       `db:"attempts"`
	FailedAt time.Time `db:"failed_at"`
}

var deadLetterColumns = []string{"id", "lane", "kind", "key", "payload", "error", "attempts", "failed_at"}

type deadLetterRepository struct {
	db *sqlx.DB
}

var _ core.DeadLetterStore = (*deadLetterRepository)(nil) // interface compliance check

func NewDeadLetterRepository(db *sqlx.DB) core.DeadLetterStore {
	return &deadLetterRepository{db: db}
}

func (repo *deadLetterRepository) SaveDeadLetter(ctx context.Context, dl core.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	query, args, err := psql.Insert("task_failures").
		Columns(deadLetterColumns...).
		Values(dl.ID, dl.Lane, dl.Kind, dl.Key, dl.Payload, dl.Error, dl.Attempts, dl.FailedAt.UTC()).
		Suffix("ON CONFLICT (id) DO UPDATE SET error = EXCLUDED.error, attempts = EXCLUDED.attempts, failed_at = EXCLUDED.failed_at").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	_, err = repo.db.ExecContext(ctx, query, args...)
	return wrapErr(err, "saving dead letter")
}

func (repo *deadLetterRepository) ListDeadLetters(ctx context.Context, lane string) ([]core.DeadLetter, error) {
	b := psql.Select(deadLetterColumns...).From("task_failures").OrderBy("failed_at")
	if lane != "" {
		b = b.Where(sq.Eq{"lane": lane})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "building query")
	}

	rows := make([]deadLetterRow, 0)
	if err = sqlx.SelectContext(ctx, repo.db, &rows, query, args...); err != nil {
		return nil, wrapErr(err, "listing dead letters")
	}
	dls := make([]core.DeadLetter, 0, len(rows))
	for _, r := range rows {
		dls = append(dls, core.DeadLetter(r))
	}
	return dls, nil
}

func (repo *deadLetterRepository) DeleteDeadLetters(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := psql.Delete("task_failures").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return errors.Wrap(err, "building query")
	}
	_, err = repo.db.ExecContext(ctx, query, args...)
	return wrapErr(err, "deleting dead letters")
}
