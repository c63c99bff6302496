package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrSeatsExhausted  = errors.New("seats exhausted")
	ErrStorageConflict = errors.New("storage conflict")

	ErrGrantEventNotFound = errors.New("grant event not found")

	ErrMemberNotFound      = errors.New("member not found")
	ErrMemberExists        = errors.New("member already exists")
	ErrForbidden           = errors.New("forbidden")
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrPurchaserNotAdmin   = errors.New("purchaser is not an organization owner or admin")
	ErrInvitationExpired   = errors.New("invitation expired")
	ErrMemberStatusChanged = errors.New("member status changed concurrently")

	ErrIdempotencyMismatch = fmt.Errorf("%w: idempotency key reused with different parameters", ErrInvalidArgument)
)

func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
