package invoke

import "time"

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 500 * time.Millisecond

	TestMaxRetries = 2
	TestBaseDelay  = 100 * time.Millisecond
)

// Policy bounds a call: at most MaxRetries+1 attempts, waiting
// BaseDelay*2^attempt after failed attempt number attempt.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Delay returns the wait that follows the failed 0-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay * time.Duration(int64(1)<<uint(attempt))
}
