package repositories

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrProfileNotFound = errors.New("profile not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrAlreadyFriends  = errors.New("users are already friends")
	ErrRequestExists   = errors.New("a friend request between these users is already pending")
	// ErrConflict means a concurrent writer won a race; re-reading resolves it.
	ErrConflict = errors.New("concurrent modification")
	// ErrUnavailable means the store could not be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// Postgres error classes and codes we translate.
const (
	pqClassConnection   = "08"
	pqClassInsufficient = "53"
	pqClassOperator     = "57"
	pqUniqueViolation   = "23505"
	pqForeignKey        = "23503"
	pqSerialization     = "40001"
	pqDeadlock          = "40P01"
)

// classify maps driver errors onto the store error taxonomy, keeping the
// original error in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pqUniqueViolation, pqErr.Code == pqSerialization, pqErr.Code == pqDeadlock:
			return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
		case pqErr.Code == pqForeignKey:
			return fmt.Errorf("%s: %w: %v", op, ErrChatNotFound, err)
		case pqErr.Code.Class() == pqClassConnection,
			pqErr.Code.Class() == pqClassInsufficient,
			pqErr.Code.Class() == pqClassOperator:
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
