package pgtracking

import (
	"context"

	"github.com/BearBump/trackpipe/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// GetBreakerState returns (nil, nil) when the carrier has never failed.
func (s *Storage) GetBreakerState(ctx context.Context, carrierName string) (*models.CircuitBreakerState, error) {
	var st models.CircuitBreakerState
	err := s.db.QueryRow(ctx, `
SELECT carrier_name, failure_count, last_failure_at, circuit_open_until
FROM circuit_breakers
WHERE carrier_name = $1
`, carrierName).Scan(&st.CarrierName, &st.FailureCount, &st.LastFailureAt, &st.CircuitOpenUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select breaker")
	}
	return &st, nil
}

// SaveBreakerState upserts the whole row. Last writer wins.
func (s *Storage) SaveBreakerState(ctx context.Context, st *models.CircuitBreakerState) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO circuit_breakers (carrier_name, failure_count, last_failure_at, circuit_open_until, updated_at)
VALUES ($1,$2,$3,$4, now())
ON CONFLICT (carrier_name) DO UPDATE SET
  failure_count = EXCLUDED.failure_count,
  last_failure_at = EXCLUDED.last_failure_at,
  circuit_open_until = EXCLUDED.circuit_open_until,
  updated_at = now()
`, st.CarrierName, st.FailureCount, st.LastFailureAt, st.CircuitOpenUntil)
	return errors.Wrap(err, "upsert breaker")
}

func (s *Storage) ListBreakerStates(ctx context.Context) ([]*models.CircuitBreakerState, error) {
	rows, err := s.db.Query(ctx, `
SELECT carrier_name, failure_count, last_failure_at, circuit_open_until
FROM circuit_breakers
ORDER BY carrier_name
`)
	if err != nil {
		return nil, errors.Wrap(err, "select breakers")
	}
	defer rows.Close()

	var out []*models.CircuitBreakerState
	for rows.Next() {
		var st models.CircuitBreakerState
		if err := rows.Scan(&st.CarrierName, &st.FailureCount, &st.LastFailureAt, &st.CircuitOpenUntil); err != nil {
			return nil, errors.Wrap(err, "scan breaker")
		}
		out = append(out, &st)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
