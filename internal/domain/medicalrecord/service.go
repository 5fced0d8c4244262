package medicalrecord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medtech/clinic/internal/platform/apperr"
	"github.com/medtech/clinic/internal/platform/auth"
	"github.com/medtech/clinic/internal/platform/validation"
)

const numberAttempts = 5

type Options struct {
	// Numbers generates record numbers. Defaults to NewNumber.
	Numbers func() (string, error)
	Logger  zerolog.Logger
}

type Service struct {
	records    RecordRepository
	entries    EntryRepository
	diagnoses  DiagnosisRepository
	treatments TreatmentRepository
	numbers    func() (string, error)
	logger     zerolog.Logger
}

func NewService(records RecordRepository, entries EntryRepository, diagnoses DiagnosisRepository, treatments TreatmentRepository, opts Options) *Service {
	s := &Service{
		records:    records,
		entries:    entries,
		diagnoses:  diagnoses,
		treatments: treatments,
		numbers:    opts.Numbers,
		logger:     opts.Logger,
	}
	if s.numbers == nil {
		s.numbers = NewNumber
	}
	return s
}

// NewNumber returns "MR-" followed by 8 random upper-case hex digits.
func NewNumber() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate record number: %w", err)
	}
	return NumberPrefix + strings.ToUpper(hex.EncodeToString(b[:])), nil
}

func canWrite(ctx context.Context) bool { return auth.HasAuthority(ctx, PermWrite) }

// canRead lets clinical staff read every record and patients their own.
func canRead(ctx context.Context, patientID uuid.UUID) bool {
	return canWrite(ctx) || auth.ActsFor(ctx, patientID)
}

func (s *Service) CreateRecord(ctx context.Context, req CreateRecordRequest) (*Record, error) {
	if !canWrite(ctx) {
		return nil, ErrWriteDenied
	}
	if req.PatientID == uuid.Nil {
		return nil, apperr.Validation(apperr.CodeValidation, "invalid medical record", "patientId: is required")
	}

	if _, err := s.records.GetByPatient(ctx, req.PatientID); err == nil {
		return nil, ErrRecordExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	rec := &Record{PatientID: req.PatientID, Observations: req.Observations}
	for attempt := 1; ; attempt++ {
		number, err := s.numbers()
		if err != nil {
			return nil, apperr.Wrap(err)
		}
		rec.Number = number
		err = s.records.Create(ctx, rec)
		if err == nil {
			break
		}
		if !errors.Is(err, errNumberTaken) || attempt == numberAttempts {
			return nil, err
		}
		s.logger.Warn().Str("number", number).Int("attempt", attempt).Msg("record number collision")
	}

	s.logger.Info().Str("record_id", rec.ID.String()).Str("patient_id", rec.PatientID.String()).Msg("medical record created")
	return rec, nil
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(ctx, rec.PatientID) {
		return nil, ErrForbidden
	}
	return rec, nil
}

func (s *Service) GetRecordByPatient(ctx context.Context, patientID uuid.UUID) (*Record, error) {
	if !canRead(ctx, patientID) {
		return nil, ErrForbidden
	}
	return s.records.GetByPatient(ctx, patientID)
}

func checkDate(errs *validation.Errors, field string, v *string) (time.Time, bool) {
	if v == nil || *v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, *v)
	if err != nil {
		errs.Add(field, "must be a date in yyyy-MM-dd format")
		return time.Time{}, false
	}
	return t, true
}

func (s *Service) AddEntry(ctx context.Context, recordID uuid.UUID, req EntryRequest) (*Entry, error) {
	if !canWrite(ctx) {
		return nil, ErrWriteDenied
	}
	caller := auth.UserIDFromContext(ctx)
	professionalID := caller
	if req.ProfessionalID != nil && *req.ProfessionalID != caller {
		if !auth.IsAdmin(ctx) {
			return nil, apperr.Forbidden(apperr.CodeForbidden, "cannot write entries for another professional")
		}
		professionalID = *req.ProfessionalID
	}

	req.Summary = strings.TrimSpace(req.Summary)
	if req.Type == "" {
		req.Type = EntryConsultation
	}
	var errs validation.Errors
	errs.Check("summary", req.Summary, "required,max=2000")
	errs.Check("type", req.Type, "oneof=consultation follow_up emergency procedure lab_result")
	if professionalID == uuid.Nil {
		errs.Add("professionalId", "is required")
	}
	if err := errs.Err(apperr.CodeValidation, "invalid medical entry"); err != nil {
		return nil, err
	}

	if _, err := s.records.GetByID(ctx, recordID); err != nil {
		return nil, err
	}
	e := &Entry{
		RecordID:       recordID,
		ProfessionalID: professionalID,
		Type:           req.Type,
		Summary:        req.Summary,
		Description:    req.Description,
		Observations:   req.Observations,
		Allergies:      req.Allergies,
	}
	if err := s.entries.Create(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info().Str("entry_id", e.ID.String()).Str("record_id", recordID.String()).Msg("medical entry added")
	return e, nil
}

func (s *Service) AddDiagnosis(ctx context.Context, entryID uuid.UUID, req DiagnosisRequest) (*Diagnosis, error) {
	if !canWrite(ctx) {
		return nil, ErrWriteDenied
	}
	req.Code = strings.TrimSpace(req.Code)
	req.Description = strings.TrimSpace(req.Description)

	var errs validation.Errors
	errs.Check("code", req.Code, "required,max=32")
	errs.Check("description", req.Description, "required")
	checkDate(&errs, "startDate", req.StartDate)
	var severity *Severity
	if req.Severity != nil {
		sv := Severity(strings.ToLower(*req.Severity))
		if !sv.Valid() {
			errs.Add("severity", "must be one of: mild, moderate, severe")
		}
		severity = &sv
	}
	if err := errs.Err(apperr.CodeValidation, "invalid diagnosis"); err != nil {
		return nil, err
	}

	if _, err := s.entries.GetByID(ctx, entryID); err != nil {
		return nil, err
	}
	d := &Diagnosis{
		EntryID:     entryID,
		Code:        req.Code,
		CodeSystem:  req.CodeSystem,
		Description: req.Description,
		StartDate:   req.StartDate,
		Severity:    severity,
	}
	if err := s.diagnoses.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) AddTreatment(ctx context.Context, entryID uuid.UUID, req TreatmentRequest) (*Treatment, error) {
	if !canWrite(ctx) {
		return nil, ErrWriteDenied
	}
	req.Description = strings.TrimSpace(req.Description)

	var errs validation.Errors
	errs.Check("description", req.Description, "required")
	start, hasStart := checkDate(&errs, "startDate", req.StartDate)
	end, hasEnd := checkDate(&errs, "endDate", req.EndDate)
	if hasStart && hasEnd && end.Before(start) {
		errs.Add("endDate", "must not be before startDate")
	}
	if err := errs.Err(apperr.CodeValidation, "invalid treatment"); err != nil {
		return nil, err
	}

	if _, err := s.entries.GetByID(ctx, entryID); err != nil {
		return nil, err
	}
	t := &Treatment{
		EntryID:     entryID,
		Type:        req.Type,
		Description: req.Description,
		Medication:  req.Medication,
		Dose:        req.Dose,
		Frequency:   req.Frequency,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
	}
	if err := s.treatments.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListEntries returns a page of the record's entries, newest first.
func (s *Service) ListEntries(ctx context.Context, recordID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return nil, 0, err
	}
	items, total, err := s.entries.ListByRecord(ctx, recordID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*Entry{}
	}
	return items, total, nil
}

// FullRecord assembles the record with every entry and the entries'
// diagnoses and treatments. It issues one lookup per table.
func (s *Service) FullRecord(ctx context.Context, recordID uuid.UUID) (*RecordView, error) {
	rec, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	entries, _, err := s.entries.ListByRecord(ctx, recordID, 0, 0)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	diagnoses, err := s.diagnoses.ListByEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	treatments, err := s.treatments.ListByEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	return assemble(rec, entries, diagnoses, treatments), nil
}

func assemble(rec *Record, entries []*Entry, diagnoses []*Diagnosis, treatments []*Treatment) *RecordView {
	view := &RecordView{Record: rec, Entries: make([]EntryView, len(entries))}
	index := make(map[uuid.UUID]int, len(entries))
	for i, e := range entries {
		index[e.ID] = i
		view.Entries[i] = EntryView{Entry: e, Diagnoses: []*Diagnosis{}, Treatments: []*Treatment{}}
	}
	for _, d := range diagnoses {
		if i, ok := index[d.EntryID]; ok {
			view.Entries[i].Diagnoses = append(view.Entries[i].Diagnoses, d)
		}
	}
	for _, t := range treatments {
		if i, ok := index[t.EntryID]; ok {
			view.Entries[i].Treatments = append(view.Entries[i].Treatments, t)
		}
	}
	return view
}
