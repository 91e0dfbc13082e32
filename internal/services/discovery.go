package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"circle-service/internal/clock"
	"circle-service/internal/geo"
	"circle-service/internal/models"
	"circle-service/internal/observability"
	"circle-service/internal/repositories"
)

type DiscoveryConfig struct {
	RadiusKm        float64
	LocationTTL     time.Duration
	RefreshInterval time.Duration
}

func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{RadiusKm: 2.0, LocationTTL: 30 * time.Minute, RefreshInterval: 60 * time.Second}
}

// NearbyProfile is a discovered user with their distance from the caller.
type NearbyProfile struct {
	models.Profile
	DistanceKm float64 `json:"distance_km"`
}

// DiscoveryResult is the outcome of one discovery pass. Partial is set when
// some profile batches failed; Profiles then holds the ones that loaded.
type DiscoveryResult struct {
	Profiles []NearbyProfile
	Partial  *PartialBatchError
	At       time.Time
}

type DiscoveryService struct {
	locations repositories.LocationRepository
	profiles  *ProfileLoader
	clock     clock.Clock
	cfg       DiscoveryConfig
	logger    zerolog.Logger
}

func NewDiscoveryService(locations repositories.LocationRepository, profiles *ProfileLoader, clk clock.Clock, cfg DiscoveryConfig) *DiscoveryService {
	return &DiscoveryService{
		locations: locations,
		profiles:  profiles,
		clock:     clk,
		cfg:       cfg,
		logger:    log.With().Str("component", "discovery").Logger(),
	}
}

// UpdateLocation overwrites the caller's position with a server timestamp.
func (s *DiscoveryService) UpdateLocation(ctx context.Context, uid string, lat, lng float64) error {
	if uid == "" {
		return invalidf("uid is required")
	}
	p := geo.Point{Lat: lat, Lng: lng}
	if err := p.Validate(); err != nil {
		return invalidf("%v", err)
	}
	return s.locations.Upsert(ctx, models.UserLocation{UID: uid, Latitude: lat, Longitude: lng, ObservedAt: s.clock.Now()})
}

type nearbyUser struct {
	uid        string
	distanceKm float64
}

// findNearby returns fresh users within the radius of center, closest first,
// excluding uid.
func (s *DiscoveryService) findNearby(ctx context.Context, uid string, center geo.Point) ([]nearbyUser, error) {
	freshAfter := s.clock.Now().Add(-s.cfg.LocationTTL)
	candidates, err := s.locations.ListInBox(ctx, geo.BoundingBox(center, s.cfg.RadiusKm), freshAfter)
	if err != nil {
		return nil, err
	}

	var out []nearbyUser
	for _, loc := range candidates {
		if loc.UID == uid {
			continue
		}
		d := geo.DistanceKm(center, geo.Point{Lat: loc.Latitude, Lng: loc.Longitude})
		if d <= s.cfg.RadiusKm {
			out = append(out, nearbyUser{uid: loc.UID, distanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].distanceKm == out[j].distanceKm {
			return out[i].uid < out[j].uid
		}
		return out[i].distanceKm < out[j].distanceKm
	})
	return out, nil
}

// FindNearby returns the ids of fresh users within the radius of center,
// closest first, excluding uid.
func (s *DiscoveryService) FindNearby(ctx context.Context, uid string, center geo.Point) ([]string, error) {
	if err := center.Validate(); err != nil {
		return nil, invalidf("%v", err)
	}
	nearby, err := s.findNearby(ctx, uid, center)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(nearby))
	for _, n := range nearby {
		ids = append(ids, n.uid)
	}
	return ids, nil
}

// DiscoverNearby records the caller's position and returns the profiles of
// everyone nearby. A failed profile batch only marks the result partial; the
// call fails when the location store fails or no batch loads at all.
func (s *DiscoveryService) DiscoverNearby(ctx context.Context, uid string, lat, lng float64) (DiscoveryResult, error) {
	ctx, span := observability.StartSpan(ctx, "discovery.nearby", "uid", uid)
	defer span.End()

	if err := s.UpdateLocation(ctx, uid, lat, lng); err != nil {
		observability.ObserveDiscovery("error", 0)
		return DiscoveryResult{}, err
	}
	nearby, err := s.findNearby(ctx, uid, geo.Point{Lat: lat, Lng: lng})
	if err != nil {
		observability.ObserveDiscovery("error", 0)
		return DiscoveryResult{}, err
	}

	ids := make([]string, 0, len(nearby))
	distance := make(map[string]float64, len(nearby))
	for _, n := range nearby {
		ids = append(ids, n.uid)
		distance[n.uid] = n.distanceKm
	}

	profiles, err := s.profiles.Load(ctx, ids)
	result := DiscoveryResult{At: s.clock.Now(), Profiles: make([]NearbyProfile, 0, len(profiles))}
	for _, p := range profiles {
		result.Profiles = append(result.Profiles, NearbyProfile{Profile: p, DistanceKm: distance[p.UID]})
	}

	var partial *PartialBatchError
	if errors.As(err, &partial) {
		if partial.AllFailed() {
			observability.ObserveDiscovery("error", 0)
			span.RecordError(err)
			return DiscoveryResult{}, err
		}
		result.Partial = partial
		s.logger.Warn().Err(err).Str("uid", uid).Msg("discovery returned partial profiles")
		observability.ObserveDiscovery("partial", len(result.Profiles))
		return result, nil
	}
	if err != nil {
		observability.ObserveDiscovery("error", 0)
		return DiscoveryResult{}, err
	}
	observability.ObserveDiscovery("ok", len(result.Profiles))
	return result, nil
}

// LocationSource reports the device's current position for a discovery
// session.
type LocationSource func(ctx context.Context) (geo.Point, error)

// DiscoverySession refreshes nearby users in the background until closed.
type DiscoverySession struct {
	svc     *DiscoveryService
	uid     string
	locate  LocationSource
	results chan DiscoveryResult
	refresh chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	lastErr   error
}

// StartSession runs discovery immediately and then every RefreshInterval.
// Failures back off exponentially up to the interval and never stop the
// session.
func (s *DiscoveryService) StartSession(ctx context.Context, uid string, locate LocationSource) *DiscoverySession {
	ctx, cancel := context.WithCancel(ctx)
	d := &DiscoverySession{
		svc:     s,
		uid:     uid,
		locate:  locate,
		results: make(chan DiscoveryResult, 1),
		refresh: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go d.run(ctx)
	return d
}

// Results delivers the latest discovery result. Older undelivered results
// are replaced. The channel is closed by Close.
func (d *DiscoverySession) Results() <-chan DiscoveryResult { return d.results }

// Refresh requests a discovery pass now.
func (d *DiscoverySession) Refresh() {
	select {
	case d.refresh <- struct{}{}:
	default:
	}
}

// LastError returns the error of the most recent failed pass, cleared by the
// next successful one.
func (d *DiscoverySession) LastError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.lastErr
}

// Close stops the session and waits for it. A pass still running is
// discarded and no result is delivered after Close returns.
func (d *DiscoverySession) Close() {
	d.closeOnce.Do(func() {
		d.cancel()
		<-d.done
		select {
		case <-d.results:
		default:
		}
		close(d.results)
	})
}

func (d *DiscoverySession) run(ctx context.Context) {
	defer close(d.done)

	interval := d.svc.cfg.RefreshInterval
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = interval
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-d.refresh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		result, err := d.pass(ctx)
		if ctx.Err() != nil {
			return
		}

		next := interval
		d.setErr(err)
		if err != nil {
			next = bo.NextBackOff()
			d.svc.logger.Warn().Err(err).Str("uid", d.uid).Dur("retry_in", next).Msg("discovery pass failed")
		} else {
			bo.Reset()
			d.deliver(result)
		}
		timer.Reset(next)
	}
}

func (d *DiscoverySession) pass(ctx context.Context) (DiscoveryResult, error) {
	p, err := d.locate(ctx)
	if err != nil {
		return DiscoveryResult{}, err
	}
	return d.svc.DiscoverNearby(ctx, d.uid, p.Lat, p.Lng)
}

func (d *DiscoverySession) deliver(result DiscoveryResult) {
	select {
	case d.results <- result:
		return
	default:
	}
	select {
	case <-d.results:
	default:
	}
	select {
	case d.results <- result:
	default:
	}
}

func (d *DiscoverySession) setErr(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	d.lastErr = err
}
