package medicalrecord

import (
	"time"

	"github.com/google/uuid"

	"github.com/medtech/clinic/internal/platform/apperr"
)

const (
	// PermWrite guards every write to a record, its entries and their children.
	PermWrite = "record:write"

	NumberPrefix = "MR-"
	dateLayout   = "2006-01-02"
)

type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityMild, SeverityModerate, SeveritySevere:
		return true
	}
	return false
}

const (
	EntryConsultation = "consultation"
	EntryFollowUp     = "follow_up"
	EntryEmergency    = "emergency"
	EntryProcedure    = "procedure"
	EntryLabResult    = "lab_result"
)

// Record is the single medical record of a patient.
type Record struct {
	ID           uuid.UUID `db:"id" json:"id"`
	PatientID    uuid.UUID `db:"patient_id" json:"patientId"`
	Number       string    `db:"number" json:"number"`
	Observations *string   `db:"observations" json:"observations,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Entry is one clinical note in a record, written by a professional.
type Entry struct {
	ID             uuid.UUID `db:"id" json:"id"`
	RecordID       uuid.UUID `db:"record_id" json:"recordId"`
	ProfessionalID uuid.UUID `db:"professional_id" json:"professionalId"`
	Type           string    `db:"type" json:"type"`
	Summary        string    `db:"summary" json:"summary"`
	Description    *string   `db:"description" json:"description,omitempty"`
	Observations   *string   `db:"observations" json:"observations,omitempty"`
	Allergies      *string   `db:"allergies" json:"allergies,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Diagnosis belongs to an entry. StartDate is yyyy-MM-dd.
type Diagnosis struct {
	ID          uuid.UUID `db:"id" json:"id"`
	EntryID     uuid.UUID `db:"entry_id" json:"entryId"`
	Code        string    `db:"code" json:"code"`
	CodeSystem  *string   `db:"code_system" json:"codeSystem,omitempty"`
	Description string    `db:"description" json:"description"`
	StartDate   *string   `db:"start_date" json:"startDate,omitempty"`
	Severity    *Severity `db:"severity" json:"severity,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Treatment belongs to an entry. Dates are yyyy-MM-dd.
type Treatment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	EntryID     uuid.UUID `db:"entry_id" json:"entryId"`
	Type        *string   `db:"type" json:"type,omitempty"`
	Description string    `db:"description" json:"description"`
	Medication  *string   `db:"medication" json:"medication,omitempty"`
	Dose        *string   `db:"dose" json:"dose,omitempty"`
	Frequency   *string   `db:"frequency" json:"frequency,omitempty"`
	StartDate   *string   `db:"start_date" json:"startDate,omitempty"`
	EndDate     *string   `db:"end_date" json:"endDate,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// RecordView is a record with its entries, newest first, and each entry's
// diagnoses and treatments in insertion order.
type RecordView struct {
	*Record
	Entries []EntryView `json:"entries"`
}

type EntryView struct {
	*Entry
	Diagnoses  []*Diagnosis `json:"diagnoses"`
	Treatments []*Treatment `json:"treatments"`
}

type CreateRecordRequest struct {
	PatientID    uuid.UUID `json:"patientId"`
	Observations *string   `json:"observations"`
}

// EntryRequest adds an entry. ProfessionalID defaults to the caller and
// only admins may set another one.
type EntryRequest struct {
	ProfessionalID *uuid.UUID `json:"professionalId"`
	Type           string     `json:"type"`
	Summary        string     `json:"summary"`
	Description    *string    `json:"description"`
	Observations   *string    `json:"observations"`
	Allergies      *string    `json:"allergies"`
}

type DiagnosisRequest struct {
	Code        string  `json:"code"`
	CodeSystem  *string `json:"codeSystem"`
	Description string  `json:"description"`
	StartDate   *string `json:"startDate"`
	Severity    *string `json:"severity"`
}

type TreatmentRequest struct {
	Type        *string `json:"type"`
	Description string  `json:"description"`
	Medication  *string `json:"medication"`
	Dose        *string `json:"dose"`
	Frequency   *string `json:"frequency"`
	StartDate   *string `json:"startDate"`
	EndDate     *string `json:"endDate"`
}

const CodeRecordExists = "RECORD-409"

var (
	ErrNotFound      = apperr.NotFound(apperr.CodeNotFound, "medical record not found")
	ErrEntryNotFound = apperr.NotFound(apperr.CodeNotFound, "medical entry not found")
	ErrRecordExists  = apperr.Conflict(CodeRecordExists, "patient already has a medical record")
	ErrForbidden     = apperr.Forbidden(apperr.CodeForbidden, "not allowed to access this medical record")
	ErrWriteDenied   = apperr.Forbidden(apperr.CodeForbidden, "required permission: "+PermWrite)

	errNumberTaken = apperr.Conflict(apperr.CodeConflict, "record number collision")
)
