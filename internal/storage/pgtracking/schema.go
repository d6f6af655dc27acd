package pgtracking

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS tracked_entities (
  id BIGSERIAL PRIMARY KEY,
  tracking_number TEXT NULL,
  carrier TEXT NOT NULL CHECK (carrier IN ('UPS', 'FEDEX', 'USPS', 'DHL')),
  tracking_active BOOLEAN NOT NULL DEFAULT false,
  tracking_status TEXT NOT NULL DEFAULT 'Pending',
  tracking_location TEXT NULL,
  last_checked_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// Dispatcher scans only this slice of the table.
		`CREATE INDEX IF NOT EXISTS idx_tracked_entities_trackable ON tracked_entities(id) WHERE tracking_active AND tracking_number IS NOT NULL`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  entity_id BIGINT NOT NULL REFERENCES tracked_entities(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  location TEXT NOT NULL DEFAULT '',
  checked_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_entity_checked_at ON tracking_events(entity_id, checked_at DESC)`,
		// Повторная доставка одной и той же проверки не плодит события.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_events_dedup ON tracking_events(entity_id, status, location)`,
		`
CREATE TABLE IF NOT EXISTS circuit_breakers (
  carrier_name TEXT PRIMARY KEY,
  failure_count INT NOT NULL DEFAULT 0,
  last_failure_at TIMESTAMPTZ NULL,
  circuit_open_until TIMESTAMPTZ NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS dead_letters (
  id BIGSERIAL PRIMARY KEY,
  job_id TEXT NOT NULL UNIQUE,
  entity_id BIGINT NOT NULL,
  failure_reason TEXT NOT NULL,
  attempt_count INT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  replay_requested_at TIMESTAMPTZ NULL,
  replayed_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_replay_pending ON dead_letters(id) WHERE replay_requested_at IS NOT NULL AND replayed_at IS NULL`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
