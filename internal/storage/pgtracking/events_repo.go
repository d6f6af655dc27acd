package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/trackpipe/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// TrackingUpdate is the result of one carrier check.
// Error set means the carrier rejected the tracking number; Status is then Exception.
// Once delivered_at is set the stored status stays Delivered whatever Status says.
type TrackingUpdate struct {
	EntityID int64

	CheckedAt time.Time

	Status   string
	Location *string

	// DeliveredAt is applied only if the entity has none yet.
	DeliveredAt *time.Time

	Error *string
}

// UpdateTrackingFields applies a check result and records a history event in one
// transaction. Returns (nil, nil) if the entity is gone.
func (s *Storage) UpdateTrackingFields(ctx context.Context, upd TrackingUpdate) (*models.TrackedEntity, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deliveredAt *time.Time
	if upd.DeliveredAt != nil {
		t := upd.DeliveredAt.UTC()
		deliveredAt = &t
	}

	// delivered_at пишется один раз: COALESCE не даёт его перезаписать даже при
	// параллельных повторах одной задачи. Delivered конечен, статус после него не меняется.
	e, err := scanEntity(tx.QueryRow(ctx, `
UPDATE tracked_entities
SET
  tracking_status = CASE WHEN delivered_at IS NOT NULL THEN tracking_status ELSE $2 END,
  tracking_location = COALESCE($3, tracking_location),
  last_checked_at = $4,
  delivered_at = COALESCE(delivered_at, $5),
  last_error = $6,
  updated_at = now()
WHERE id = $1
RETURNING`+entityColumns,
		upd.EntityID, upd.Status, upd.Location, upd.CheckedAt.UTC(), deliveredAt, upd.Error))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "update entity tracking")
	}

	if upd.Error == nil && e.TrackingStatus == upd.Status {
		loc := ""
		if upd.Location != nil {
			loc = *upd.Location
		}
		_, err := tx.Exec(ctx, `
INSERT INTO tracking_events (entity_id, status, location, checked_at, created_at)
VALUES ($1,$2,$3,$4, now())
ON CONFLICT (entity_id, status, location) DO NOTHING
`, upd.EntityID, upd.Status, loc, upd.CheckedAt.UTC())
		if err != nil {
			return nil, errors.Wrap(err, "insert tracking event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return e, nil
}

func (s *Storage) ListTrackingEvents(ctx context.Context, entityID int64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, entity_id, status, location, checked_at, created_at
FROM tracking_events
WHERE entity_id = $1
ORDER BY checked_at DESC, id DESC
LIMIT $2 OFFSET $3
`, entityID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		if err := rows.Scan(&e.ID, &e.EntityID, &e.Status, &e.Location, &e.CheckedAt, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
