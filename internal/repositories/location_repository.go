package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"circle-service/internal/geo"
	"circle-service/internal/models"
)

// LocationRepository stores the latest position of every active user.
type LocationRepository interface {
	Upsert(ctx context.Context, loc models.UserLocation) error
	ListInBox(ctx context.Context, box geo.Box, freshAfter time.Time) ([]models.UserLocation, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// LocationRepo is a sqlx implementation of LocationRepository.
type LocationRepo struct {
	db *sqlx.DB
}

// NewLocationRepo constructs a LocationRepo.
func NewLocationRepo(db *sqlx.DB) *LocationRepo {
	return &LocationRepo{db: db}
}

// Upsert overwrites the caller's location record.
func (r *LocationRepo) Upsert(ctx context.Context, loc models.UserLocation) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO user_locations (uid, latitude, longitude, observed_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (uid) DO UPDATE SET latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude, observed_at = EXCLUDED.observed_at`,
		loc.UID, loc.Latitude, loc.Longitude, loc.ObservedAt)
	return classify("upsert location", err)
}

// ListInBox returns fresh locations inside the bounding box. Callers still
// have to apply the exact distance check.
func (r *LocationRepo) ListInBox(ctx context.Context, box geo.Box, freshAfter time.Time) ([]models.UserLocation, error) {
	query := `SELECT uid, latitude, longitude, observed_at FROM user_locations
        WHERE latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4 AND observed_at >= $5`
	if box.WrapsAntimeridian() {
		query = `SELECT uid, latitude, longitude, observed_at FROM user_locations
        WHERE latitude BETWEEN $1 AND $2 AND (longitude >= $3 OR longitude <= $4) AND observed_at >= $5`
	}

	var locs []models.UserLocation
	if err := r.db.SelectContext(ctx, &locs, query, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng, freshAfter); err != nil {
		return nil, classify("list locations", err)
	}
	return locs, nil
}

// DeleteOlderThan removes location records observed before cutoff.
func (r *LocationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_locations WHERE observed_at < $1`, cutoff)
	if err != nil {
		return 0, classify("delete stale locations", err)
	}
	return res.RowsAffected()
}
