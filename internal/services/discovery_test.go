package services

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"circle-service/internal/geo"
	"circle-service/internal/mocks"
	"circle-service/internal/models"
)

var origin = geo.Point{Lat: 48.8566, Lng: 2.3522}

// northOf returns the point km kilometres due north of p.
func northOf(p geo.Point, km float64) geo.Point {
	return geo.Point{Lat: p.Lat + km/geo.EarthRadiusKm*180/math.Pi, Lng: p.Lng}
}

// boundaryNorth returns the last representable latitude whose distance from
// p is still <= km.
func boundaryNorth(p geo.Point, km float64) geo.Point {
	q := northOf(p, km)
	for geo.DistanceKm(p, q) > km {
		q.Lat = math.Nextafter(q.Lat, math.Inf(-1))
	}
	for {
		next := geo.Point{Lat: math.Nextafter(q.Lat, math.Inf(1)), Lng: q.Lng}
		if geo.DistanceKm(p, next) > km {
			return q
		}
		q = next
	}
}

func putLocation(t *testing.T, env *testEnv, uid string, p geo.Point) {
	t.Helper()
	require.NoError(t, env.discovery.UpdateLocation(context.Background(), uid, p.Lat, p.Lng))
}

func TestFindNearbyDistanceBoundary(t *testing.T) {
	env := newTestEnv(t)
	edge := boundaryNorth(origin, 2.0)
	putLocation(t, env, "edge", edge)
	putLocation(t, env, "beyond", northOf(origin, 2.001))
	putLocation(t, env, "close", northOf(origin, 0.5))

	ids, err := env.discovery.FindNearby(context.Background(), "me", origin)
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "edge"}, ids)
	assert.InDelta(t, 2.0, geo.DistanceKm(origin, edge), 1e-9)
}

func TestFindNearbyExcludesSelfAndStale(t *testing.T) {
	env := newTestEnv(t)
	putLocation(t, env, "stale", northOf(origin, 0.1))
	env.clock.Advance(31 * time.Minute)
	putLocation(t, env, "me", origin)
	putLocation(t, env, "fresh", northOf(origin, 0.2))

	ids, err := env.discovery.FindNearby(context.Background(), "me", origin)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestUpdateLocationValidates(t *testing.T) {
	env := newTestEnv(t)
	err := env.discovery.UpdateLocation(context.Background(), "me", 91, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	err = env.discovery.UpdateLocation(context.Background(), "", 0, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDiscoverNearbyReturnsProfiles(t *testing.T) {
	env := newTestEnv(t)
	putLocation(t, env, "bob", northOf(origin, 1.5))
	putLocation(t, env, "carol", northOf(origin, 2.5))

	result, err := env.discovery.DiscoverNearby(context.Background(), "alice", origin.Lat, origin.Lng)
	require.NoError(t, err)
	require.Len(t, result.Profiles, 1)
	assert.Equal(t, "bob", result.Profiles[0].UID)
	assert.InDelta(t, 1.5, result.Profiles[0].DistanceKm, 1e-6)
	assert.Nil(t, result.Partial)
}

func nearbyLocations(n int) []models.UserLocation {
	locs := make([]models.UserLocation, n)
	for i := range locs {
		p := northOf(origin, 0.01*float64(i+1))
		locs[i] = models.UserLocation{UID: ids(n)[i], Latitude: p.Lat, Longitude: p.Lng, ObservedAt: epoch}
	}
	return locs
}

func TestDiscoverNearbyPartialBatchFailure(t *testing.T) {
	locations := &mocks.LocationRepositoryMock{}
	profiles := &mocks.ProfileRepositoryMock{}
	all := ids(15)
	locations.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	locations.On("ListInBox", mock.Anything, mock.Anything, mock.Anything).Return(nearbyLocations(15), nil)
	profiles.On("GetByIDs", mock.Anything, all[:10]).Return(profilesFor(all[:10]), nil)
	profiles.On("GetByIDs", mock.Anything, all[10:]).Return(nil, errors.New("timeout"))

	env := newTestEnv(t)
	svc := NewDiscoveryService(locations, NewProfileLoader(profiles), env.clock, DefaultDiscoveryConfig())

	result, err := svc.DiscoverNearby(context.Background(), "me", origin.Lat, origin.Lng)
	require.NoError(t, err)
	assert.Len(t, result.Profiles, 10)
	require.NotNil(t, result.Partial)
	assert.Equal(t, 1, result.Partial.Failed)
	assert.Equal(t, 2, result.Partial.Total)
}

func TestDiscoverNearbyAllBatchesFailed(t *testing.T) {
	locations := &mocks.LocationRepositoryMock{}
	profiles := &mocks.ProfileRepositoryMock{}
	locations.On("Upsert", mock.Anything, mock.Anything).Return(nil)
	locations.On("ListInBox", mock.Anything, mock.Anything, mock.Anything).Return(nearbyLocations(3), nil)
	profiles.On("GetByIDs", mock.Anything, mock.Anything).Return(nil, errors.New("down"))

	env := newTestEnv(t)
	svc := NewDiscoveryService(locations, NewProfileLoader(profiles), env.clock, DefaultDiscoveryConfig())

	_, err := svc.DiscoverNearby(context.Background(), "me", origin.Lat, origin.Lng)
	var partial *PartialBatchError
	require.ErrorAs(t, err, &partial)
	assert.True(t, partial.AllFailed())
}

func TestDiscoverySessionDeliversAndCloses(t *testing.T) {
	env := newTestEnv(t)
	putLocation(t, env, "bob", northOf(origin, 1.0))

	var calls atomic.Int32
	session := env.discovery.StartSession(context.Background(), "alice", func(context.Context) (geo.Point, error) {
		calls.Add(1)
		return origin, nil
	})

	select {
	case result := <-session.Results():
		require.Len(t, result.Profiles, 1)
		assert.Equal(t, "bob", result.Profiles[0].UID)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial discovery result")
	}

	putLocation(t, env, "carol", northOf(origin, 1.2))
	session.Refresh()
	select {
	case result := <-session.Results():
		assert.Len(t, result.Profiles, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh produced no result")
	}

	session.Close()
	session.Close()
	_, ok := <-session.Results()
	assert.False(t, ok)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestDiscoverySessionKeepsRunningAfterFailures(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	session := env.discovery.StartSession(context.Background(), "alice", func(context.Context) (geo.Point, error) {
		if calls.Add(1) == 1 {
			return geo.Point{}, errors.New("no fix")
		}
		return origin, nil
	})
	defer session.Close()

	assert.Eventually(t, func() bool { return session.LastError() != nil }, 2*time.Second, 5*time.Millisecond)
	session.Refresh()
	select {
	case result := <-session.Results():
		assert.Empty(t, result.Profiles)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not recover")
	}
	assert.NoError(t, session.LastError())
}

func TestDiscoverySessionDiscardsInFlightPassOnClose(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	session := env.discovery.StartSession(context.Background(), "alice", func(ctx context.Context) (geo.Point, error) {
		close(started)
		<-ctx.Done()
		return origin, nil
	})

	<-started
	session.Close()
	_, ok := <-session.Results()
	assert.False(t, ok)
}
