package services

import (
	"errors"
	"fmt"
	"strings"

	"circle-service/internal/repositories"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrForbidden       = errors.New("forbidden")
	ErrHandleClosed    = errors.New("chat handle closed")

	ErrChatNotFound    = repositories.ErrChatNotFound
	ErrProfileNotFound = repositories.ErrProfileNotFound
	ErrAlreadyFriends  = repositories.ErrAlreadyFriends
	ErrRequestExists   = repositories.ErrRequestExists
	ErrConflict        = repositories.ErrConflict
	ErrUnavailable     = repositories.ErrUnavailable
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// PartialBatchError reports batches of a chunked profile load that failed
// while others succeeded.
type PartialBatchError struct {
	Total  int
	Failed int
	Errs   []error
}

func (e *PartialBatchError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d of %d profile batches failed: %s", e.Failed, e.Total, strings.Join(msgs, "; "))
}

func (e *PartialBatchError) Unwrap() []error { return e.Errs }

// AllFailed reports whether no batch succeeded.
func (e *PartialBatchError) AllFailed() bool {
	return e != nil && e.Total > 0 && e.Failed == e.Total
}

// Warnings renders the failures for API responses.
func (e *PartialBatchError) Warnings() []string {
	if e == nil {
		return nil
	}
	return []string{fmt.Sprintf("%d of %d profile batches could not be loaded", e.Failed, e.Total)}
}
