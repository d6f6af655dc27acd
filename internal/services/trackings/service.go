package trackings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/trackpipe/internal/broker/messages"
	"github.com/BearBump/trackpipe/internal/cache"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

type Repository interface {
	CreateEntities(ctx context.Context, items []models.EntityCreateInput) ([]*models.TrackedEntity, error)
	GetEntitiesByIDs(ctx context.Context, ids []int64) ([]*models.TrackedEntity, error)
	ListTrackingEvents(ctx context.Context, entityID int64, limit, offset int) ([]*models.TrackingEvent, error)
	SetTrackingActive(ctx context.Context, id int64, active bool) (bool, error)
	ListBreakerStates(ctx context.Context) ([]*models.CircuitBreakerState, error)
	ListDeadLetters(ctx context.Context, limit, offset int) ([]*models.DeadLetter, error)
	RequestReplay(ctx context.Context, id uint64) (bool, error)
}

// Service is the read/admin side used by track-api. Current entity state is cached
// as JSON; the cache is best-effort and refreshed from tracking.updated events.
type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, currentTTL: currentTTL}
}

func (s *Service) cacheEnabled() bool { return s.cache != nil && s.currentTTL > 0 }

func (s *Service) CreateEntities(ctx context.Context, items []models.EntityCreateInput) ([]*models.TrackedEntity, error) {
	if len(items) == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "items is empty")
	}
	if len(items) > 10_000 {
		return nil, errors.Wrap(ErrInvalidArgument, "too many items (max 10000)")
	}

	clean := make([]models.EntityCreateInput, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		c, err := models.ParseCarrier(it.Carrier.String())
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "item %d: %v", i, err)
		}
		it.Carrier = c
		if it.TrackingNumber != nil && *it.TrackingNumber == "" {
			it.TrackingNumber = nil
		}
		if it.TrackingNumber != nil {
			k := fmt.Sprintf("%s|%s", it.Carrier, *it.TrackingNumber)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
		}
		clean = append(clean, it)
	}

	return s.repo.CreateEntities(ctx, clean)
}

func (s *Service) GetEntity(ctx context.Context, id int64) (*models.TrackedEntity, error) {
	if id <= 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "id must be positive")
	}
	out, err := s.GetEntitiesByIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "entity %d", id)
	}
	return out[0], nil
}

func (s *Service) GetEntitiesByIDs(ctx context.Context, ids []int64) ([]*models.TrackedEntity, error) {
	if len(ids) == 0 {
		return []*models.TrackedEntity{}, nil
	}
	miss := make([]int64, 0, len(ids))
	got := make(map[int64]*models.TrackedEntity, len(ids))

	if s.cacheEnabled() {
		for _, id := range ids {
			b, ok, err := s.cache.Get(ctx, currentKey(id))
			if err != nil || !ok {
				miss = append(miss, id)
				continue
			}
			var e models.TrackedEntity
			if json.Unmarshal(b, &e) != nil {
				miss = append(miss, id)
				continue
			}
			got[id] = &e
		}
	} else {
		miss = ids
	}

	if len(miss) > 0 {
		fromDB, err := s.repo.GetEntitiesByIDs(ctx, miss)
		if err != nil {
			return nil, err
		}
		for _, e := range fromDB {
			s.storeCurrent(ctx, e)
			got[e.ID] = e
		}
	}

	// Собираем ответ в том же порядке, что ids.
	out := make([]*models.TrackedEntity, 0, len(ids))
	for _, id := range ids {
		if e, ok := got[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) ListTrackingEvents(ctx context.Context, entityID int64, limit, offset int) ([]*models.TrackingEvent, error) {
	if entityID <= 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "id must be positive")
	}
	return s.repo.ListTrackingEvents(ctx, entityID, limit, offset)
}

func (s *Service) SetTrackingActive(ctx context.Context, id int64, active bool) error {
	if id <= 0 {
		return errors.Wrap(ErrInvalidArgument, "id must be positive")
	}
	ok, err := s.repo.SetTrackingActive(ctx, id, active)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrNotFound, "entity %d", id)
	}
	if s.cacheEnabled() {
		_ = s.cache.Delete(ctx, currentKey(id))
	}
	return nil
}

func (s *Service) ListBreakers(ctx context.Context) ([]*models.CircuitBreakerState, error) {
	return s.repo.ListBreakerStates(ctx)
}

func (s *Service) ListDeadLetters(ctx context.Context, limit, offset int) ([]*models.DeadLetter, error) {
	return s.repo.ListDeadLetters(ctx, limit, offset)
}

func (s *Service) RequestReplay(ctx context.Context, id uint64) error {
	if id == 0 {
		return errors.Wrap(ErrInvalidArgument, "id is required")
	}
	ok, err := s.repo.RequestReplay(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrNotFound, "dead letter %d", id)
	}
	return nil
}

// ApplyKafkaUpdate refreshes the cached state of the entity named in a
// tracking.updated event. The worker has already committed the change.
func (s *Service) ApplyKafkaUpdate(ctx context.Context, msg messages.TrackingUpdated) error {
	if msg.EntityID <= 0 {
		return errors.Wrap(ErrInvalidArgument, "entity_id is required")
	}
	if !s.cacheEnabled() {
		return nil
	}

	es, err := s.repo.GetEntitiesByIDs(ctx, []int64{msg.EntityID})
	if err != nil {
		// Не роняем консьюмер: устаревший кэш протухнет по TTL.
		slog.Warn("reload entity for cache", "entity_id", msg.EntityID, "error", err.Error())
		_ = s.cache.Delete(ctx, currentKey(msg.EntityID))
		return nil
	}
	if len(es) != 1 {
		_ = s.cache.Delete(ctx, currentKey(msg.EntityID))
		return nil
	}
	s.storeCurrent(ctx, es[0])
	return nil
}

func (s *Service) storeCurrent(ctx context.Context, e *models.TrackedEntity) {
	if !s.cacheEnabled() {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, currentKey(e.ID), b, s.currentTTL)
}

func currentKey(id int64) string {
	return fmt.Sprintf("entity:%d:current", id)
}
