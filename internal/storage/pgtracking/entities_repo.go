package pgtracking

import (
	"context"
	"time"

	"github.com/BearBump/trackpipe/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const entityColumns = `
  id, tracking_number, carrier, tracking_active,
  tracking_status, tracking_location,
  last_checked_at, delivered_at, last_error,
  created_at, updated_at`

func scanEntity(row rowScanner) (*models.TrackedEntity, error) {
	var e models.TrackedEntity
	var carrier string
	if err := row.Scan(
		&e.ID, &e.TrackingNumber, &carrier, &e.TrackingActive,
		&e.TrackingStatus, &e.TrackingLocation,
		&e.LastCheckedAt, &e.DeliveredAt, &e.LastError,
		&e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Carrier = models.Carrier(carrier)
	return &e, nil
}

func (s *Storage) CreateEntities(ctx context.Context, items []models.EntityCreateInput) ([]*models.TrackedEntity, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		var id int64
		err := tx.QueryRow(ctx, `
INSERT INTO tracked_entities (
  tracking_number, carrier, tracking_active, tracking_status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$5)
RETURNING id
`, it.TrackingNumber, it.Carrier.String(), it.TrackingActive, models.TrackingStatusPending, now).Scan(&id)
		if err != nil {
			return nil, errors.Wrap(err, "insert entity")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetEntitiesByIDs(ctx, ids)
}

// GetEntityByID returns (nil, nil) when the entity does not exist.
func (s *Storage) GetEntityByID(ctx context.Context, id int64) (*models.TrackedEntity, error) {
	e, err := scanEntity(s.db.QueryRow(ctx, `SELECT`+entityColumns+` FROM tracked_entities WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select entity")
	}
	return e, nil
}

func (s *Storage) GetEntitiesByIDs(ctx context.Context, ids []int64) ([]*models.TrackedEntity, error) {
	if len(ids) == 0 {
		return []*models.TrackedEntity{}, nil
	}

	rows, err := s.db.Query(ctx, `SELECT`+entityColumns+` FROM tracked_entities WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select entities")
	}
	defer rows.Close()

	out := make([]*models.TrackedEntity, 0, len(ids))
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan entity")
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

const maxTrackablePage = 5000

// ListActiveTrackable pages through active entities that have a tracking number,
// ordered by id, starting after afterID. A limit above 5000 is capped, so callers
// must page until an empty result.
func (s *Storage) ListActiveTrackable(ctx context.Context, afterID int64, limit int) ([]*models.TrackedEntity, error) {
	if limit <= 0 {
		limit = 1000
	}
	if limit > maxTrackablePage {
		limit = maxTrackablePage
	}

	rows, err := s.db.Query(ctx, `SELECT`+entityColumns+`
FROM tracked_entities
WHERE tracking_active = true
  AND tracking_number IS NOT NULL
  AND id > $1
ORDER BY id ASC
LIMIT $2
`, afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select trackable entities")
	}
	defer rows.Close()

	var out []*models.TrackedEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan trackable entity")
		}
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// SetTrackingActive returns false when no entity has the given id.
func (s *Storage) SetTrackingActive(ctx context.Context, id int64, active bool) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE tracked_entities SET tracking_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return false, errors.Wrap(err, "set tracking active")
	}
	return tag.RowsAffected() > 0, nil
}
