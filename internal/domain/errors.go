package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDispatchFailed   = errors.New("provider rejected job start")
	ErrQueueUnsupported = errors.New("durable store lacks queue position support")
)

// AdmissionDeniedError is returned when an owner's per-tier concurrency
// quota is exhausted. It never mutates state.
type AdmissionDeniedError struct {
	OwnerID     string
	Tier        Tier
	ActiveCount int
	MaxAllowed  int
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied: %d of %d concurrent jobs in use on %s tier", e.ActiveCount, e.MaxAllowed, e.Tier)
}

// InsufficientCreditsError is returned when the credit ledger reports the
// owner cannot cover the reservation.
type InsufficientCreditsError struct {
	OwnerID  string
	Required int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d required", e.Required)
}
