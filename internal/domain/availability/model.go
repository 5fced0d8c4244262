package availability

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Clock is a time of day in minutes since midnight.
type Clock int

const minutesPerDay = 24 * 60

func NewClock(hour, minute int) Clock { return Clock(hour*60 + minute) }

// ClockOf returns the time of day of t in t's location, truncated to the minute.
func ClockOf(t time.Time) Clock { return NewClock(t.Hour(), t.Minute()) }

// ParseClock accepts "HH:MM" or "HH:MM:SS". Seconds must be zero.
func ParseClock(s string) (Clock, error) {
	var layout string
	switch len(s) {
	case 5:
		layout = "15:04"
	case 8:
		layout = "15:04:05"
	default:
		return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	t, err := time.Parse(layout, s)
	if err != nil || t.Second() != 0 {
		return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return ClockOf(t), nil
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

// Add returns c shifted by d. The result may pass midnight; callers compare
// against an end bound before using it.
func (c Clock) Add(d time.Duration) Clock { return c + Clock(d/time.Minute) }

// On returns the instant at clock c on the calendar date of date in loc.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, c.Hour(), c.Minute(), 0, 0, loc)
}

func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ScanTime implements pgtype.TimeScanner for TIME columns.
func (c *Clock) ScanTime(v pgtype.Time) error {
	if !v.Valid {
		return fmt.Errorf("cannot scan NULL into Clock")
	}
	*c = Clock(v.Microseconds / int64(time.Minute/time.Microsecond))
	return nil
}

// TimeValue implements pgtype.TimeValuer.
func (c Clock) TimeValue() (pgtype.Time, error) {
	if c < 0 || c >= minutesPerDay {
		return pgtype.Time{}, fmt.Errorf("clock %d out of range", int(c))
	}
	return pgtype.Time{Microseconds: int64(c) * int64(time.Minute/time.Microsecond), Valid: true}, nil
}

// Span is a half-open [Start, End) range of the working day.
type Span struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// Weekday returns the ISO day of week of t: 1 is Monday, 7 is Sunday.
func Weekday(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}

// ParseDate parses a yyyy-MM-dd calendar date. Only the date part of the
// result is meaningful.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected yyyy-MM-dd", s)
	}
	return t, nil
}

// Window is a weekly recurring availability window of a doctor.
type Window struct {
	ID        uuid.UUID `db:"id" json:"id"`
	DoctorID  uuid.UUID `db:"doctor_id" json:"doctorId"`
	DayOfWeek int       `db:"day_of_week" json:"dayOfWeek"`
	StartTime Clock     `db:"start_time" json:"startTime"`
	EndTime   Clock     `db:"end_time" json:"endTime"`
	Active    bool      `db:"is_active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

func (w *Window) Span() Span { return Span{Start: w.StartTime, End: w.EndTime} }

// WindowInput carries a create or full-update request. Nil bounds are
// reported as validation errors rather than defaulting to midnight.
type WindowInput struct {
	DoctorID  uuid.UUID `json:"doctorId"`
	DayOfWeek int       `json:"dayOfWeek"`
	StartTime *Clock    `json:"startTime"`
	EndTime   *Clock    `json:"endTime"`
}

// WindowPatch is a partial update. PUT and PATCH both bind into it.
type WindowPatch struct {
	DayOfWeek *int   `json:"dayOfWeek"`
	StartTime *Clock `json:"startTime"`
	EndTime   *Clock `json:"endTime"`
	Active    *bool  `json:"active"`
}

// FixedSchedule is the morning/afternoon block configuration of a doctor,
// applied to every day that has no weekly windows.
type FixedSchedule struct {
	DoctorID       uuid.UUID `db:"doctor_id" json:"doctorId"`
	MorningStart   Clock     `db:"morning_start" json:"morningStart"`
	MorningEnd     Clock     `db:"morning_end" json:"morningEnd"`
	AfternoonStart Clock     `db:"afternoon_start" json:"afternoonStart"`
	AfternoonEnd   Clock     `db:"afternoon_end" json:"afternoonEnd"`
	Active         bool      `db:"is_active" json:"active"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

func (f *FixedSchedule) Spans() []Span {
	return []Span{
		{Start: f.MorningStart, End: f.MorningEnd},
		{Start: f.AfternoonStart, End: f.AfternoonEnd},
	}
}
