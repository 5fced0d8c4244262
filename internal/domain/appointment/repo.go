package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Update writes a only while the stored status is still from. A row that
	// moved on in the meantime fails with ErrInvalidTransition.
	Update(ctx context.Context, a *Appointment, from Status) error
	// ListBlocking returns the blocking appointments of doctorID whose
	// [start, end) intersects [from, to), ordered by start. excludeID is
	// skipped; pass uuid.Nil to keep everything.
	ListBlocking(ctx context.Context, doctorID uuid.UUID, from, to time.Time, excludeID uuid.UUID) ([]*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, from *time.Time, limit, offset int) ([]*Appointment, int, error)
}
