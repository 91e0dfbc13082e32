package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"circle-service/internal/models"
)

// MaxProfileBatch caps how many ids a single GetByIDs call may carry.
const MaxProfileBatch = 10

var ErrBatchTooLarge = fmt.Errorf("profile batch exceeds %d ids", MaxProfileBatch)

// ProfileRepository reads public profiles.
type ProfileRepository interface {
	Get(ctx context.Context, uid string) (models.Profile, error)
	GetByIDs(ctx context.Context, uids []string) ([]models.Profile, error)
}

// ProfileRepo is a sqlx implementation of ProfileRepository.
type ProfileRepo struct {
	db *sqlx.DB
}

// NewProfileRepo constructs a ProfileRepo.
func NewProfileRepo(db *sqlx.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

const profileColumns = `uid, name, username, photo_url, phone_number, birth_date`

// Get fetches a single profile.
func (r *ProfileRepo) Get(ctx context.Context, uid string) (models.Profile, error) {
	var p models.Profile
	err := r.db.GetContext(ctx, &p, `SELECT `+profileColumns+` FROM user_profiles WHERE uid=$1`, uid)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, ErrProfileNotFound
	}
	return p, classify("get profile", err)
}

// GetByIDs fetches up to MaxProfileBatch profiles. Unknown ids are skipped.
func (r *ProfileRepo) GetByIDs(ctx context.Context, uids []string) ([]models.Profile, error) {
	if len(uids) == 0 {
		return []models.Profile{}, nil
	}
	if len(uids) > MaxProfileBatch {
		return nil, ErrBatchTooLarge
	}

	query, args, err := sqlx.In(`SELECT `+profileColumns+` FROM user_profiles WHERE uid IN (?)`, uids)
	if err != nil {
		return nil, err
	}
	var profiles []models.Profile
	if err := r.db.SelectContext(ctx, &profiles, r.db.Rebind(query), args...); err != nil {
		return nil, classify("get profiles", err)
	}
	return profiles, nil
}
