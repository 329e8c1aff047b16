package credit

import (
	"errors"
	"fmt"

	"followup-engine/internal/channel"
)

// ErrInvalidAmount is returned for debits or credits that are not positive.
var ErrInvalidAmount = errors.New("credit amount must be positive")

// DeclinedError reports a debit the balance could not cover. It is not fatal for a cycle.
type DeclinedError struct {
	UserID    string
	Channel   channel.Channel
	Requested int64
	Available int64
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("credit declined for %s/%s: requested %d, available %d", e.UserID, e.Channel, e.Requested, e.Available)
}

// IsDeclined reports whether err is a DeclinedError.
func IsDeclined(err error) bool {
	var de *DeclinedError
	return errors.As(err, &de)
}
