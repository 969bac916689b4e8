// Package retry decides whether a failed envelope may be delivered again.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/ibs-source/queue-consumer/internal/message"
)

// DefaultMaxAttempts is the attempt limit used when none is configured
const DefaultMaxAttempts = 5

// Policy decides if a failed envelope gets another attempt.
//
// Implementations must be pure: the same envelope always yields the same
// answer for unchanged policy parameters, so a restarted consumer reaches the
// same decision.
type Policy interface {
	CanRetry(env message.Envelope) bool
}

// PolicyFunc is an adapter to allow the use of ordinary functions as [Policy]s.
type PolicyFunc func(message.Envelope) bool

// CanRetry implements the [Policy] interface.
func (f PolicyFunc) CanRetry(env message.Envelope) bool {
	return f(env)
}

// Limited allows retries while the recorded attempts stay below Max
type Limited struct {
	Max int
}

// NewLimited returns a Limited policy; limit must be positive
func NewLimited(limit int) (Limited, error) {
	if limit < 1 {
		return Limited{}, fmt.Errorf("retry limit must be positive, got %d", limit)
	}
	return Limited{Max: limit}, nil
}

// Default returns the Limited policy with DefaultMaxAttempts
func Default() Limited {
	return Limited{Max: DefaultMaxAttempts}
}

// CanRetry implements the [Policy] interface.
func (l Limited) CanRetry(env message.Envelope) bool {
	return env.Attempts() < l.Max
}

// Never routes every failure straight to permanent failure
var Never Policy = PolicyFunc(func(message.Envelope) bool { return false })

// Backoff returns the delay before attempt number attempt is redelivered:
// base doubled per previous attempt, capped at ceiling (0 means uncapped).
// An uncapped delay saturates at the largest time.Duration.
// Drivers that schedule retries use it; it has no influence on the retry
// decision itself.
func Backoff(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}
