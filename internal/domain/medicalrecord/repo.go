package medicalrecord

import (
	"context"

	"github.com/google/uuid"
)

type RecordRepository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByPatient(ctx context.Context, patientID uuid.UUID) (*Record, error)
}

type EntryRepository interface {
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// ListByRecord returns entries newest first. limit <= 0 returns all.
	ListByRecord(ctx context.Context, recordID uuid.UUID, limit, offset int) ([]*Entry, int, error)
}

type DiagnosisRepository interface {
	Create(ctx context.Context, d *Diagnosis) error
	// ListByEntries returns the diagnoses of all entries in insertion order.
	ListByEntries(ctx context.Context, entryIDs []uuid.UUID) ([]*Diagnosis, error)
}

type TreatmentRepository interface {
	Create(ctx context.Context, t *Treatment) error
	ListByEntries(ctx context.Context, entryIDs []uuid.UUID) ([]*Treatment, error)
}
