// Package sweeper periodically removes stale locations and expired chats.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"circle-service/internal/clock"
	"circle-service/internal/observability"
	"circle-service/internal/repositories"
)

// ChatExpirer deletes every temporary chat past its expiry.
type ChatExpirer interface {
	ExpireAll(ctx context.Context) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	LocationsDeleted int64
	ChatsDeleted     int
}

type Sweeper struct {
	locations   repositories.LocationRepository
	chats       ChatExpirer
	clock       clock.Clock
	locationTTL time.Duration
	logger      zerolog.Logger
}

func New(locations repositories.LocationRepository, chats ChatExpirer, clk clock.Clock, locationTTL time.Duration) *Sweeper {
	return &Sweeper{
		locations:   locations,
		chats:       chats,
		clock:       clk,
		locationTTL: locationTTL,
		logger:      log.With().Str("component", "sweeper").Logger(),
	}
}

// RunOnce deletes locations older than the TTL and expired chats. Both steps
// run even if the other fails.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	cutoff := s.clock.Now().Add(-s.locationTTL)
	n, err := s.locations.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep locations: %w", err))
	}
	report.LocationsDeleted = n
	observability.AddSwept("location", n)

	if s.chats != nil {
		deleted, err := s.chats.ExpireAll(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep chats: %w", err))
		}
		report.ChatsDeleted = deleted
		observability.AddSwept("chat", int64(deleted))
	}
	return report, errors.Join(errs...)
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		} else if report.LocationsDeleted > 0 || report.ChatsDeleted > 0 {
			s.logger.Info().
				Int64("locations", report.LocationsDeleted).
				Int("chats", report.ChatsDeleted).
				Msg("sweep done")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
