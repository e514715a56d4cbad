// ABOUTME: Delivery error type raised when publish retries or correlation waits fail.
// ABOUTME: Matches errors.Is(err, ErrDelivery) and carries message id and timing.

package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrDelivery is the sentinel matched by every delivery failure, whether the
// transport exhausted its retries or a correlation wait timed out.
var ErrDelivery = errors.New("message delivery failed")

// DeliveryError reports a failed delivery with enough context for operators:
// the message id, how many attempts were made, and the elapsed time.
type DeliveryError struct {
	MessageID string
	Attempts  int
	Elapsed   time.Duration
	Cause     error
}

func (e *DeliveryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("delivery of %s failed after %d attempts in %s: %v",
			e.MessageID, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Cause)
	}
	return fmt.Sprintf("delivery of %s failed after %d attempts in %s",
		e.MessageID, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrDelivery) succeed for any DeliveryError.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

// Unwrap exposes the underlying transport error, if any.
func (e *DeliveryError) Unwrap() error {
	return e.Cause
}
