package pgtracking

import (
	"context"

	"github.com/BearBump/trackpipe/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// PutDeadLetter is idempotent per job id.
func (s *Storage) PutDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO dead_letters (job_id, entity_id, failure_reason, attempt_count, created_at)
VALUES ($1,$2,$3,$4, now())
ON CONFLICT (job_id) DO NOTHING
`, dl.JobID, dl.EntityID, dl.FailureReason, dl.AttemptCount)
	return errors.Wrap(err, "insert dead letter")
}

func (s *Storage) ListDeadLetters(ctx context.Context, limit, offset int) ([]*models.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, job_id, entity_id, failure_reason, attempt_count, created_at, replay_requested_at, replayed_at
FROM dead_letters
ORDER BY id DESC
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select dead letters")
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		if err := rows.Scan(
			&dl.ID, &dl.JobID, &dl.EntityID, &dl.FailureReason, &dl.AttemptCount,
			&dl.CreatedAt, &dl.ReplayRequestedAt, &dl.ReplayedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan dead letter")
		}
		out = append(out, &dl)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// RequestReplay marks a dead letter for re-enqueue by the dispatcher.
// Returns false when there is no such record.
func (s *Storage) RequestReplay(ctx context.Context, id uint64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE dead_letters
SET replay_requested_at = now(), replayed_at = NULL
WHERE id = $1
`, id)
	if err != nil {
		return false, errors.Wrap(err, "request replay")
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimReplay locks one dead letter waiting for replay, hands it to fn and marks it
// replayed in the same transaction. Returns false when nothing is waiting.
// Используется SELECT ... FOR UPDATE SKIP LOCKED: несколько диспетчеров не возьмут одну запись.
func (s *Storage) ClaimReplay(ctx context.Context, fn func(ctx context.Context, dl models.DeadLetter) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var dl models.DeadLetter
	err = tx.QueryRow(ctx, `
SELECT id, job_id, entity_id
FROM dead_letters
WHERE replay_requested_at IS NOT NULL
  AND replayed_at IS NULL
ORDER BY id
LIMIT 1
FOR UPDATE SKIP LOCKED
`).Scan(&dl.ID, &dl.JobID, &dl.EntityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "claim dead letter")
	}

	if err := fn(ctx, dl); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `UPDATE dead_letters SET replayed_at = now() WHERE id = $1`, dl.ID); err != nil {
		return false, errors.Wrap(err, "mark replayed")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}
