package availability

import (
	"context"

	"github.com/google/uuid"
)

type WindowRepository interface {
	Create(ctx context.Context, w *Window) error
	GetByID(ctx context.Context, id uuid.UUID) (*Window, error)
	Update(ctx context.Context, w *Window) error
	// ExistsActive reports whether an active window other than excludeID
	// has the same doctor, day and bounds.
	ExistsActive(ctx context.Context, doctorID uuid.UUID, day int, start, end Clock, excludeID uuid.UUID) (bool, error)
	// ListActiveByDoctor orders by day of week, then start time.
	ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Window, error)
	ListActiveByDoctorDay(ctx context.Context, doctorID uuid.UUID, day int) ([]*Window, error)
}

type FixedScheduleRepository interface {
	Upsert(ctx context.Context, f *FixedSchedule) error
	GetByDoctor(ctx context.Context, doctorID uuid.UUID) (*FixedSchedule, error)
}
