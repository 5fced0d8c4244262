package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/medtech/clinic/internal/platform/apperr"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

// BlockingStatuses occupy the doctor's calendar.
var BlockingStatuses = []Status{StatusPending, StatusConfirmed, StatusInProgress}

func (s Status) Blocking() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusInProgress
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether an appointment may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Type string

const (
	TypeInPerson Type = "in_person"
	TypeVirtual  Type = "virtual"
)

const (
	DefaultDuration = 30
	MinDuration     = 15
	MaxDuration     = 120
	MaxReasonLength = 500
)

type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	DoctorID           uuid.UUID  `db:"doctor_id" json:"doctorId"`
	PatientID          *uuid.UUID `db:"patient_id" json:"patientId,omitempty"`
	StartTime          time.Time  `db:"start_time" json:"startTime"`
	DurationMinutes    int        `db:"duration_minutes" json:"durationMinutes"`
	EndTime            time.Time  `db:"end_time" json:"endTime"`
	Type               Type       `db:"type" json:"type"`
	Status             Status     `db:"status" json:"status"`
	Reason             string     `db:"reason" json:"reason"`
	Notes              *string    `db:"notes" json:"notes,omitempty"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellationReason,omitempty"`
	VideoURL           *string    `db:"video_url" json:"videoUrl,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updatedAt"`
}

// Schedule sets StartTime and DurationMinutes and derives EndTime.
func (a *Appointment) Schedule(start time.Time, minutes int) {
	a.StartTime = start
	a.DurationMinutes = minutes
	a.EndTime = start.Add(time.Duration(minutes) * time.Minute)
}

// Overlaps reports whether a's [start, end) intersects [from, to).
func (a *Appointment) Overlaps(from, to time.Time) bool {
	return a.StartTime.Before(to) && a.EndTime.After(from)
}

func (a *Appointment) IsPatient(id uuid.UUID) bool {
	return a.PatientID != nil && *a.PatientID == id
}

type CreateRequest struct {
	DoctorID        uuid.UUID  `json:"doctorId"`
	PatientID       *uuid.UUID `json:"patientId"`
	StartTime       *time.Time `json:"startTime"`
	DurationMinutes int        `json:"durationMinutes"`
	Type            Type       `json:"type"`
	Reason          string     `json:"reason"`
	VideoURL        *string    `json:"videoUrl"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	DoctorID        *uuid.UUID `json:"doctorId"`
	StartTime       *time.Time `json:"startTime"`
	DurationMinutes *int       `json:"durationMinutes"`
	Type            *Type      `json:"type"`
	Reason          *string    `json:"reason"`
	Notes           *string    `json:"notes"`
	VideoURL        *string    `json:"videoUrl"`
}

func (p Patch) reschedules() bool {
	return p.DoctorID != nil || p.StartTime != nil || p.DurationMinutes != nil
}

// ConflictPolicy decides when two blocking appointments collide.
type ConflictPolicy string

const (
	// PolicyExact treats only identical start instants as a collision.
	PolicyExact ConflictPolicy = "exact"
	// PolicyOverlap treats any intersection of [start, end) as a collision.
	PolicyOverlap ConflictPolicy = "overlap"
)

var (
	ErrNotFound          = apperr.NotFound(apperr.CodeNotFound, "appointment not found")
	ErrConflict          = apperr.Conflict("APPOINTMENT-409", "the doctor already has an appointment at that time")
	ErrInvalidTransition = apperr.Conflict(apperr.CodeConflict, "invalid status transition")
	ErrNotEditable       = apperr.Conflict(apperr.CodeConflict, "appointment can no longer be modified")
	ErrForbidden         = apperr.Forbidden(apperr.CodeForbidden, "appointment belongs to another user")
)
