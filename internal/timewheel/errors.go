package timewheel

import "errors"

var (
	ErrInvalidKey        = errors.New("timewheel: invalid key")
	ErrMissingWorkOrTime = errors.New("timewheel: missing work or trigger time")
	ErrTriggerTimePassed = errors.New("timewheel: trigger time already passed")
	ErrStopped           = errors.New("timewheel: wheel stopped")
	ErrDelayOutOfRange   = errors.New("timewheel: delay out of range")
)

// ErrorCode maps a submission error to a short stable name for transports.
// Unknown errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrMissingWorkOrTime):
		return "missing_work_or_time"
	case errors.Is(err, ErrTriggerTimePassed):
		return "trigger_time_passed"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrDelayOutOfRange):
		return "delay_out_of_range"
	default:
		return "internal"
	}
}
