package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStoreUnavailable is returned when the event store cannot be reached or
	// a round trip fails. Callers may retry.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrInvalidFilter is returned for malformed or out-of-range request parameters.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrNotAuthorized is returned when the caller lacks the required claim or role.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrPartialDelivery is returned when some live subscribers could not keep up
	// and were dropped. Delivery to every other subscriber succeeded.
	ErrPartialDelivery = errors.New("partial delivery failure")
)

// DeliveryError names the subscribers dropped during one publish.
type DeliveryError struct {
	Dropped []string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: dropped %d subscriber(s) [%s]",
		ErrPartialDelivery.Error(), len(e.Dropped), strings.Join(e.Dropped, ", "))
}

func (e *DeliveryError) Unwrap() error {
	return ErrPartialDelivery
}

// Unavailable wraps err so that errors.Is(result, ErrStoreUnavailable) holds.
// A nil err stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// InvalidFilter builds an ErrInvalidFilter with a caller-facing reason.
func InvalidFilter(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFilter, fmt.Sprintf(format, args...))
}
