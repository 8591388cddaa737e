package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimited      = errors.New("rate limited")
	ErrUserInactive     = errors.New("user inactive")
	ErrInternal         = errors.New("internal error")
)

// InsufficientCreditsError reports a debit that the balance cannot cover.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required=%d available=%d", e.Required, e.Available)
}

// TierLimitError reports that the tenant already holds the maximum number
// of active jobs for its tier.
type TierLimitError struct {
	Limit int
}

func (e *TierLimitError) Error() string {
	return fmt.Sprintf("tier limit exceeded: limit=%d", e.Limit)
}
