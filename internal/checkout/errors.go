package checkout

import (
	"errors"
	"fmt"
)

var (
	// ErrNoStoreSelected is returned when checking out an empty cart.
	ErrNoStoreSelected = errors.New("checkout: no store selected")

	// ErrAlreadyInProgress is returned while another checkout of the same
	// cart is waiting on the order service.
	ErrAlreadyInProgress = errors.New("checkout: already in progress")

	// ErrNotAuthenticated is returned when the shopper is not logged in.
	ErrNotAuthenticated = errors.New("checkout: not logged in")

	// ErrSubmissionFailed matches every *SubmissionError via errors.Is.
	ErrSubmissionFailed = errors.New("checkout: submission failed")
)

// SubmissionError reports that the order service rejected or never
// received the order. The cart is left as it was.
type SubmissionError struct {
	CheckoutID string
	Cause      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("checkout %s: submission failed: %v", e.CheckoutID, e.Cause)
}

func (e *SubmissionError) Unwrap() error {
	return e.Cause
}

func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmissionFailed
}
