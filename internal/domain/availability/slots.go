package availability

import (
	"time"

	"github.com/medtech/clinic/internal/platform/apperr"
)

// DefaultSlotLength is the booking granularity when none is configured.
const DefaultSlotLength = 30 * time.Minute

var (
	defaultMorning   = Span{Start: NewClock(7, 0), End: NewClock(12, 0)}
	defaultAfternoon = Span{Start: NewClock(14, 0), End: NewClock(18, 0)}
)

// DefaultSpans is the working day used for doctors with no configuration.
func DefaultSpans() []Span { return []Span{defaultMorning, defaultAfternoon} }

// GenerateSlots returns start, start+step, ... for every value strictly
// before end. It returns nil when start >= end or step is not positive.
func GenerateSlots(start, end Clock, step time.Duration) []Clock {
	if start >= end || step < time.Minute {
		return nil
	}
	var slots []Clock
	for cur := start; cur < end; cur = cur.Add(step) {
		slots = append(slots, cur)
	}
	return slots
}

// GenerateDaySlots concatenates the slots of each span in the given order.
// Spans are neither sorted nor merged.
func GenerateDaySlots(spans []Span, step time.Duration) []Clock {
	var slots []Clock
	for _, s := range spans {
		slots = append(slots, GenerateSlots(s.Start, s.End, step)...)
	}
	return slots
}

// ValidateWindow requires both bounds and start strictly before end.
func ValidateWindow(start, end *Clock) error {
	switch {
	case start == nil || end == nil:
		return ErrInvalidWindow.WithDetails("startTime and endTime are required")
	case *start < 0 || *end > minutesPerDay:
		return ErrInvalidWindow.WithDetails("times must be within the day")
	case *start >= *end:
		return ErrInvalidWindow.WithDetails("startTime must be before endTime")
	}
	return nil
}

func validDay(day int) bool { return day >= 1 && day <= 7 }

var (
	ErrNotFound              = apperr.NotFound(apperr.CodeNotFound, "availability not found")
	ErrFixedScheduleNotFound = apperr.NotFound(apperr.CodeNotFound, "fixed schedule not found")
	ErrInvalidWindow         = apperr.Validation(apperr.CodeValidation, "invalid availability window")
	ErrDuplicate             = apperr.Conflict("AVAILABILITY-409", "an active availability already exists for this doctor, day and time range")
	ErrNotOwner              = apperr.Forbidden(apperr.CodeForbidden, "availability belongs to another doctor")
)
