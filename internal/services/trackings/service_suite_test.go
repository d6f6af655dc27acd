package trackings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/trackpipe/internal/broker/messages"
	cachemocks "github.com/BearBump/trackpipe/internal/cache/mocks"
	"github.com/BearBump/trackpipe/internal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	trackingsmocks "github.com/BearBump/trackpipe/internal/services/trackings/mocks"
)

type ServiceSuite struct {
	suite.Suite

	repo  *trackingsmocks.MockRepository
	cache *cachemocks.MockBytesCache
	svc   *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &trackingsmocks.MockRepository{}
	s.cache = &cachemocks.MockBytesCache{}
	s.svc = New(s.repo, s.cache, 10*time.Minute)
}

func strPtr(v string) *string { return &v }

func (s *ServiceSuite) TestCreateEntities_DedupAndCallsRepo() {
	in := []models.EntityCreateInput{
		{Carrier: "ups", TrackingNumber: strPtr("1Z"), TrackingActive: true},
		{Carrier: models.CarrierUPS, TrackingNumber: strPtr("1Z"), TrackingActive: true},
		{Carrier: models.CarrierDHL, TrackingNumber: strPtr(""), TrackingActive: true},
		{Carrier: models.CarrierDHL, TrackingNumber: nil, TrackingActive: true},
	}
	wantRepoIn := []models.EntityCreateInput{
		{Carrier: models.CarrierUPS, TrackingNumber: strPtr("1Z"), TrackingActive: true},
		{Carrier: models.CarrierDHL, TrackingNumber: nil, TrackingActive: true},
		{Carrier: models.CarrierDHL, TrackingNumber: nil, TrackingActive: true},
	}
	s.repo.On("CreateEntities", mock.Anything, wantRepoIn).
		Return([]*models.TrackedEntity{{ID: 1}, {ID: 2}, {ID: 3}}, nil).
		Once()

	out, err := s.svc.CreateEntities(context.Background(), in)
	s.Require().NoError(err)
	s.Require().Len(out, 3)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestCreateEntities_ValidateErrors() {
	_, err := s.svc.CreateEntities(context.Background(), nil)
	s.Require().ErrorIs(err, ErrInvalidArgument)

	// перевозчик не угадывается по номеру
	_, err = s.svc.CreateEntities(context.Background(), []models.EntityCreateInput{{Carrier: "", TrackingNumber: strPtr("1Z999")}})
	s.Require().ErrorIs(err, ErrInvalidArgument)

	_, err = s.svc.CreateEntities(context.Background(), []models.EntityCreateInput{{Carrier: "CDEK", TrackingNumber: strPtr("X")}})
	s.Require().ErrorIs(err, ErrInvalidArgument)

	items := make([]models.EntityCreateInput, 10_001)
	for i := range items {
		items[i] = models.EntityCreateInput{Carrier: models.CarrierUPS}
	}
	_, err = s.svc.CreateEntities(context.Background(), items)
	s.Require().ErrorIs(err, ErrInvalidArgument)

	s.repo.AssertNotCalled(s.T(), "CreateEntities", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestGetEntitiesByIDs_CacheHit_NoDB() {
	e := &models.TrackedEntity{ID: 7, Carrier: models.CarrierUPS, TrackingStatus: models.TrackingStatusInTransit}
	b, _ := json.Marshal(e)

	s.cache.On("Get", mock.Anything, "entity:7:current").
		Return(b, true, nil).
		Once()

	out, err := s.svc.GetEntitiesByIDs(context.Background(), []int64{7})
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.Require().Equal(int64(7), out[0].ID)
	s.Require().Equal(models.TrackingStatusInTransit, out[0].TrackingStatus)

	s.repo.AssertNotCalled(s.T(), "GetEntitiesByIDs", mock.Anything, mock.Anything)
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetEntitiesByIDs_EmptyIDs() {
	out, err := s.svc.GetEntitiesByIDs(context.Background(), nil)
	s.Require().NoError(err)
	s.Require().Len(out, 0)
	s.repo.AssertNotCalled(s.T(), "GetEntitiesByIDs", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestGetEntitiesByIDs_TTLZero_TreatedAsDisabled() {
	svc := New(s.repo, s.cache, 0)
	s.repo.On("GetEntitiesByIDs", mock.Anything, []int64{1}).
		Return([]*models.TrackedEntity{{ID: 1}}, nil).
		Once()

	out, err := svc.GetEntitiesByIDs(context.Background(), []int64{1})
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.cache.AssertNotCalled(s.T(), "Get", mock.Anything, mock.Anything)
	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetEntitiesByIDs_CacheMiss_SetFailsIgnored_OrderPreserved() {
	s.cache.On("Get", mock.Anything, "entity:2:current").Return([]byte(nil), false, nil).Once()
	s.cache.On("Get", mock.Anything, "entity:1:current").Return([]byte(nil), false, nil).Once()

	// из БД в другом порядке
	s.repo.On("GetEntitiesByIDs", mock.Anything, []int64{2, 1}).
		Return([]*models.TrackedEntity{{ID: 1}, {ID: 2}}, nil).
		Once()
	s.cache.On("Set", mock.Anything, "entity:1:current", mock.Anything, 10*time.Minute).
		Return(errors.New("set failed")).Once()
	s.cache.On("Set", mock.Anything, "entity:2:current", mock.Anything, 10*time.Minute).
		Return(errors.New("set failed")).Once()

	out, err := s.svc.GetEntitiesByIDs(context.Background(), []int64{2, 1})
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	s.Require().Equal(int64(2), out[0].ID)
	s.Require().Equal(int64(1), out[1].ID)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetEntitiesByIDs_CacheGetError_AndBadJSON_BothMiss() {
	s.cache.On("Get", mock.Anything, "entity:1:current").
		Return([]byte(nil), false, errors.New("redis down")).Once()
	s.cache.On("Get", mock.Anything, "entity:2:current").
		Return([]byte("not-json"), true, nil).Once()

	s.repo.On("GetEntitiesByIDs", mock.Anything, []int64{1, 2}).
		Return([]*models.TrackedEntity{{ID: 1}, {ID: 2}}, nil).
		Once()
	s.cache.On("Set", mock.Anything, "entity:1:current", mock.Anything, 10*time.Minute).Return(nil).Once()
	s.cache.On("Set", mock.Anything, "entity:2:current", mock.Anything, 10*time.Minute).Return(nil).Once()

	out, err := s.svc.GetEntitiesByIDs(context.Background(), []int64{1, 2})
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestGetEntitiesByIDs_DBError() {
	s.cache.On("Get", mock.Anything, "entity:1:current").Return([]byte(nil), false, nil).Once()
	want := errors.New("db error")
	s.repo.On("GetEntitiesByIDs", mock.Anything, []int64{1}).
		Return([]*models.TrackedEntity(nil), want).
		Once()

	_, err := s.svc.GetEntitiesByIDs(context.Background(), []int64{1})
	s.Require().ErrorIs(err, want)
}

func (s *ServiceSuite) TestGetEntity_NotFound() {
	s.cache.On("Get", mock.Anything, "entity:5:current").Return([]byte(nil), false, nil).Once()
	s.repo.On("GetEntitiesByIDs", mock.Anything, []int64{5}).
		Return([]*models.TrackedEntity{}, nil).
		Once()

	_, err := s.svc.GetEntity(context.Background(), 5)
	s.Require().ErrorIs(err, ErrNotFound)

	_, err = s.svc.GetEntity(context.Background(), 0)
	s.Require().ErrorIs(err, ErrInvalidArgument)
}

func (s *ServiceSuite) TestListTrackingEvents_Passthrough() {
	evs := []*models.TrackingEvent{{ID: 1, EntityID: 9}}
	s.repo.On("ListTrackingEvents", mock.Anything, int64(9), 50, 10).Return(evs, nil).Once()

	out, err := s.svc.ListTrackingEvents(context.Background(), 9, 50, 10)
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.repo.AssertExpectations(s.T())

	_, err = s.svc.ListTrackingEvents(context.Background(), -1, 50, 0)
	s.Require().ErrorIs(err, ErrInvalidArgument)
}

func (s *ServiceSuite) TestSetTrackingActive_DropsCache() {
	s.repo.On("SetTrackingActive", mock.Anything, int64(3), false).Return(true, nil).Once()
	s.cache.On("Delete", mock.Anything, "entity:3:current").Return(nil).Once()
	s.Require().NoError(s.svc.SetTrackingActive(context.Background(), 3, false))

	s.repo.On("SetTrackingActive", mock.Anything, int64(4), true).Return(false, nil).Once()
	s.Require().ErrorIs(s.svc.SetTrackingActive(context.Background(), 4, true), ErrNotFound)

	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestRequestReplay() {
	s.Require().ErrorIs(s.svc.RequestReplay(context.Background(), 0), ErrInvalidArgument)

	s.repo.On("RequestReplay", mock.Anything, uint64(11)).Return(true, nil).Once()
	s.Require().NoError(s.svc.RequestReplay(context.Background(), 11))

	s.repo.On("RequestReplay", mock.Anything, uint64(12)).Return(false, nil).Once()
	s.Require().ErrorIs(s.svc.RequestReplay(context.Background(), 12), ErrNotFound)

	want := errors.New("db down")
	s.repo.On("RequestReplay", mock.Anything, uint64(13)).Return(false, want).Once()
	s.Require().ErrorIs(s.svc.RequestReplay(context.Background(), 13), want)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestListBreakersAndDeadLetters_Passthrough() {
	until := time.Now().Add(time.Minute)
	s.repo.On("ListBreakerStates", mock.Anything).
		Return([]*models.CircuitBreakerState{{CarrierName: "UPS", FailureCount: 3, CircuitOpenUntil: &until}}, nil).Once()
	s.repo.On("ListDeadLetters", mock.Anything, 20, 0).
		Return([]*models.DeadLetter{{ID: 1, JobID: "j", EntityID: 2}}, nil).Once()

	brs, err := s.svc.ListBreakers(context.Background())
	s.Require().NoError(err)
	s.Require().Len(brs, 1)

	dls, err := s.svc.ListDeadLetters(context.Background(), 20, 0)
	s.Require().NoError(err)
	s.Require().Len(dls, 1)
	s.repo.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestApplyKafkaUpdate_ReloadsAndSetsCache() {
	s.repo.On("GetEntitiesByIDs", mock.Anything, []int64{10}).
		Return([]*models.TrackedEntity{{ID: 10, Carrier: models.CarrierUPS, TrackingStatus: models.TrackingStatusDelivered}}, nil).
		Once()
	s.cache.On("Set", mock.Anything, "entity:10:current", mock.MatchedBy(func(b []byte) bool {
		var e models.TrackedEntity
		return json.Unmarshal(b, &e) == nil && e.TrackingStatus == models.TrackingStatusDelivered
	}), 10*time.Minute).Return(nil).Once()

	s.Require().NoError(s.svc.ApplyKafkaUpdate(context.Background(), messages.TrackingUpdated{
		EntityID:  10,
		Carrier:   "UPS",
		CheckedAt: time.Now().UTC(),
		Status:    models.TrackingStatusDelivered,
	}))
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestApplyKafkaUpdate_ReloadBranchesDropCache() {
	// ошибка перечитки: запись удаляется, консьюмер не падает
	s.repo.On("GetEntitiesByIDs", mock.Anything, []int64{1}).
		Return([]*models.TrackedEntity(nil), errors.New("reload fail")).Once()
	s.cache.On("Delete", mock.Anything, "entity:1:current").Return(nil).Once()
	s.Require().NoError(s.svc.ApplyKafkaUpdate(context.Background(), messages.TrackingUpdated{EntityID: 1}))

	// сущность удалена
	s.repo.On("GetEntitiesByIDs", mock.Anything, []int64{2}).
		Return([]*models.TrackedEntity{}, nil).Once()
	s.cache.On("Delete", mock.Anything, "entity:2:current").Return(nil).Once()
	s.Require().NoError(s.svc.ApplyKafkaUpdate(context.Background(), messages.TrackingUpdated{EntityID: 2}))

	s.cache.AssertNotCalled(s.T(), "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	s.repo.AssertExpectations(s.T())
	s.cache.AssertExpectations(s.T())
}

func (s *ServiceSuite) TestApplyKafkaUpdate_ValidateEntityID() {
	err := s.svc.ApplyKafkaUpdate(context.Background(), messages.TrackingUpdated{})
	s.Require().ErrorIs(err, ErrInvalidArgument)
	s.repo.AssertNotCalled(s.T(), "GetEntitiesByIDs", mock.Anything, mock.Anything)
}

func (s *ServiceSuite) TestApplyKafkaUpdate_NoCache_NoReload() {
	svc := New(s.repo, nil, 0)
	s.Require().NoError(svc.ApplyKafkaUpdate(context.Background(), messages.TrackingUpdated{EntityID: 5}))
	s.repo.AssertNotCalled(s.T(), "GetEntitiesByIDs", mock.Anything, mock.Anything)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
