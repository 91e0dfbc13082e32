package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"circle-service/internal/models"
)

// AcceptResult reports what an accept transaction changed.
type AcceptResult struct {
	Accepted     bool
	ChatPromoted bool
}

// RemoveResult reports what an unfriend transaction changed.
type RemoveResult struct {
	Removed     bool
	ChatDemoted bool
}

// FriendRepository owns friend edges and pending requests. Accept and remove
// also flip the pair's chat between permanent and temporary in the same
// transaction.
type FriendRepository interface {
	IsFriend(ctx context.Context, uid, otherUID string) (bool, error)
	ListFriendIDs(ctx context.Context, uid string) ([]string, error)
	CreateRequest(ctx context.Context, req models.FriendRequest) (bool, error)
	ListIncoming(ctx context.Context, uid string) ([]models.FriendRequest, error)
	ListOutgoing(ctx context.Context, uid string) ([]models.FriendRequest, error)
	AcceptRequest(ctx context.Context, fromUID, toUID string, at time.Time) (AcceptResult, error)
	RejectRequest(ctx context.Context, fromUID, toUID string) (bool, error)
	RemoveFriend(ctx context.Context, uid, otherUID string, expireAt time.Time) (RemoveResult, error)
}

// FriendRepo is a sqlx implementation of FriendRepository.
type FriendRepo struct {
	db *sqlx.DB
}

// NewFriendRepo constructs a FriendRepo.
func NewFriendRepo(db *sqlx.DB) *FriendRepo {
	return &FriendRepo{db: db}
}

// IsFriend checks the (uid, otherUID) edge.
func (r *FriendRepo) IsFriend(ctx context.Context, uid, otherUID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM friend_edges WHERE owner_uid=$1 AND friend_uid=$2)`, uid, otherUID)
	return exists, classify("check friendship", err)
}

// ListFriendIDs returns the user's friends, oldest friendship first.
func (r *FriendRepo) ListFriendIDs(ctx context.Context, uid string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT friend_uid FROM friend_edges WHERE owner_uid=$1 ORDER BY created_at ASC, friend_uid ASC`, uid)
	return ids, classify("list friends", err)
}

// CreateRequest stores a pending request. It returns false when the same
// request is already pending.
func (r *FriendRepo) CreateRequest(ctx context.Context, req models.FriendRequest) (created bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, classify("begin create request", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = lockPair(ctx, tx, req.FromUID, req.ToUID); err != nil {
		return false, err
	}

	var friends bool
	if err = tx.GetContext(ctx, &friends, `SELECT EXISTS(SELECT 1 FROM friend_edges WHERE owner_uid=$1 AND friend_uid=$2)`, req.FromUID, req.ToUID); err != nil {
		return false, classify("check friendship", err)
	}
	if friends {
		err = ErrAlreadyFriends
		return false, err
	}

	var reverse bool
	if err = tx.GetContext(ctx, &reverse, `SELECT EXISTS(SELECT 1 FROM friend_requests WHERE from_uid=$1 AND to_uid=$2)`, req.ToUID, req.FromUID); err != nil {
		return false, classify("check reverse request", err)
	}
	if reverse {
		err = ErrRequestExists
		return false, err
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO friend_requests (from_uid, to_uid, created_at) VALUES ($1, $2, $3)
        ON CONFLICT (from_uid, to_uid) DO NOTHING`, req.FromUID, req.ToUID, req.CreatedAt)
	if err != nil {
		return false, classify("insert request", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, classify("commit create request", err)
	}
	return count == 1, nil
}

// ListIncoming returns requests addressed to uid, oldest first.
func (r *FriendRepo) ListIncoming(ctx context.Context, uid string) ([]models.FriendRequest, error) {
	var reqs []models.FriendRequest
	err := r.db.SelectContext(ctx, &reqs, `SELECT from_uid, to_uid, created_at FROM friend_requests WHERE to_uid=$1 ORDER BY created_at ASC`, uid)
	return reqs, classify("list incoming requests", err)
}

// ListOutgoing returns requests sent by uid, oldest first.
func (r *FriendRepo) ListOutgoing(ctx context.Context, uid string) ([]models.FriendRequest, error) {
	var reqs []models.FriendRequest
	err := r.db.SelectContext(ctx, &reqs, `SELECT from_uid, to_uid, created_at FROM friend_requests WHERE from_uid=$1 ORDER BY created_at ASC`, uid)
	return reqs, classify("list outgoing requests", err)
}

// AcceptRequest consumes the pending request, creates both edges and makes any
// existing chat between the pair permanent, all in one transaction. A missing
// request yields a zero result and no error.
func (r *FriendRepo) AcceptRequest(ctx context.Context, fromUID, toUID string, at time.Time) (result AcceptResult, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return AcceptResult{}, classify("begin accept", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = lockPair(ctx, tx, fromUID, toUID); err != nil {
		return AcceptResult{}, err
	}

	var consumed string
	err = tx.GetContext(ctx, &consumed, `DELETE FROM friend_requests WHERE from_uid=$1 AND to_uid=$2 RETURNING from_uid`, fromUID, toUID)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.Commit()
		return AcceptResult{}, classify("commit accept", err)
	}
	if err != nil {
		return AcceptResult{}, classify("consume request", err)
	}

	if _, err = tx.ExecContext(ctx, `INSERT INTO friend_edges (owner_uid, friend_uid, created_at) VALUES ($1, $2, $3), ($2, $1, $3)
        ON CONFLICT (owner_uid, friend_uid) DO NOTHING`, toUID, fromUID, at); err != nil {
		return AcceptResult{}, classify("insert friend edges", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM friend_requests WHERE from_uid=$1 AND to_uid=$2`, toUID, fromUID); err != nil {
		return AcceptResult{}, classify("clear reverse request", err)
	}

	chatID := models.DeriveChatID(fromUID, toUID)
	res, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET temporary = FALSE, expire_at = NULL WHERE chat_id=$1`, chatID)
	if err != nil {
		return AcceptResult{}, classify("promote chat", err)
	}
	promoted, err := res.RowsAffected()
	if err != nil {
		return AcceptResult{}, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE chat_list_items SET temporary = FALSE, expire_at = NULL WHERE chat_id=$1`, chatID); err != nil {
		return AcceptResult{}, classify("promote chat items", err)
	}

	if err = tx.Commit(); err != nil {
		return AcceptResult{}, classify("commit accept", err)
	}
	return AcceptResult{Accepted: true, ChatPromoted: promoted > 0}, nil
}

// RejectRequest deletes the pending request, reporting whether one existed.
func (r *FriendRepo) RejectRequest(ctx context.Context, fromUID, toUID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM friend_requests WHERE from_uid=$1 AND to_uid=$2`, fromUID, toUID)
	if err != nil {
		return false, classify("reject request", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RemoveFriend deletes both edges and restarts the expiry clock of any chat
// between the pair, all in one transaction.
func (r *FriendRepo) RemoveFriend(ctx context.Context, uid, otherUID string, expireAt time.Time) (result RemoveResult, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return RemoveResult{}, classify("begin remove friend", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = lockPair(ctx, tx, uid, otherUID); err != nil {
		return RemoveResult{}, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM friend_edges WHERE (owner_uid=$1 AND friend_uid=$2) OR (owner_uid=$2 AND friend_uid=$1)`, uid, otherUID)
	if err != nil {
		return RemoveResult{}, classify("delete friend edges", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return RemoveResult{}, err
	}
	if removed == 0 {
		err = tx.Commit()
		return RemoveResult{}, classify("commit remove friend", err)
	}

	chatID := models.DeriveChatID(uid, otherUID)
	res, err = tx.ExecContext(ctx, `UPDATE chat_sessions SET temporary = TRUE, expire_at = $2 WHERE chat_id=$1`, chatID, expireAt)
	if err != nil {
		return RemoveResult{}, classify("demote chat", err)
	}
	demoted, err := res.RowsAffected()
	if err != nil {
		return RemoveResult{}, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE chat_list_items SET temporary = TRUE, expire_at = $2 WHERE chat_id=$1`, chatID, expireAt); err != nil {
		return RemoveResult{}, classify("demote chat items", err)
	}

	if err = tx.Commit(); err != nil {
		return RemoveResult{}, classify("commit remove friend", err)
	}
	return RemoveResult{Removed: true, ChatDemoted: demoted > 0}, nil
}

// lockPair serializes friend-graph transitions for an unordered pair.
func lockPair(ctx context.Context, tx *sqlx.Tx, uid, otherUID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, models.DeriveChatID(uid, otherUID))
	return classify("lock pair", err)
}
