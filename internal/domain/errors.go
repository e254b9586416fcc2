package domain

import "errors"

// Error taxonomy shared by the gateway, the store and the orchestrator.
// Concrete errors wrap one of these with %w.
var (
	// ErrThrottled means the rate limiter could not grant a permit within its wait timeout
	ErrThrottled = errors.New("throttled")
	// ErrTransient is a network or provider hiccup that survived the retry ceiling
	ErrTransient = errors.New("transient provider error")
	// ErrPermanent is a bad identifier or parameter; retrying will not help
	ErrPermanent = errors.New("permanent provider error")
	// ErrStorage means a transaction could not commit
	ErrStorage = errors.New("storage failure")
)

// ErrorKind names the taxonomy class of err for reports and logs
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "unknown"
	}
}
