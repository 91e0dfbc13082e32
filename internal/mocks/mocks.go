package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"circle-service/internal/geo"
	"circle-service/internal/models"
	"circle-service/internal/repositories"
)

type ProfileRepositoryMock struct {
	mock.Mock
}

func (m *ProfileRepositoryMock) Get(ctx context.Context, uid string) (models.Profile, error) {
	args := m.Called(ctx, uid)
	var profile models.Profile
	if val := args.Get(0); val != nil {
		profile = val.(models.Profile)
	}
	return profile, args.Error(1)
}

func (m *ProfileRepositoryMock) GetByIDs(ctx context.Context, uids []string) ([]models.Profile, error) {
	args := m.Called(ctx, uids)
	var profiles []models.Profile
	if val := args.Get(0); val != nil {
		profiles = val.([]models.Profile)
	}
	return profiles, args.Error(1)
}

type LocationRepositoryMock struct {
	mock.Mock
}

func (m *LocationRepositoryMock) Upsert(ctx context.Context, loc models.UserLocation) error {
	args := m.Called(ctx, loc)
	return args.Error(0)
}

func (m *LocationRepositoryMock) ListInBox(ctx context.Context, box geo.Box, freshAfter time.Time) ([]models.UserLocation, error) {
	args := m.Called(ctx, box, freshAfter)
	var locs []models.UserLocation
	if val := args.Get(0); val != nil {
		locs = val.([]models.UserLocation)
	}
	return locs, args.Error(1)
}

func (m *LocationRepositoryMock) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type EmitterMock struct {
	mock.Mock
}

func (m *EmitterMock) Emit(ctx context.Context, eventType, userID string, payload any) {
	m.Called(ctx, eventType, userID, payload)
}

var _ repositories.ProfileRepository = (*ProfileRepositoryMock)(nil)
var _ repositories.LocationRepository = (*LocationRepositoryMock)(nil)

// PublisherMock stands in for the broker publisher behind telemetry.Emitter.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	return m.Called(ctx, routingKey, event).Error(0)
}

func (m *PublisherMock) Close() error {
	return m.Called().Error(0)
}
