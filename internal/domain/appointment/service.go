package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medtech/clinic/internal/domain/availability"
	"github.com/medtech/clinic/internal/platform/apperr"
	"github.com/medtech/clinic/internal/platform/auth"
	"github.com/medtech/clinic/internal/platform/db"
	"github.com/medtech/clinic/internal/platform/lock"
	"github.com/medtech/clinic/internal/platform/notification"
	"github.com/medtech/clinic/internal/platform/validation"
)

// SpanSource supplies the working spans of a doctor on a date.
type SpanSource interface {
	SpansForDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]availability.Span, error)
}

type Options struct {
	Location   *time.Location
	SlotLength time.Duration
	Policy     ConflictPolicy
	Now        func() time.Time
	Notifier   *notification.Notifier
	Directory  notification.Directory
	Logger     zerolog.Logger
}

type Service struct {
	repo      Repository
	spans     SpanSource
	tx        db.Transactor
	locker    lock.Locker
	loc       *time.Location
	step      time.Duration
	policy    ConflictPolicy
	now       func() time.Time
	notifier  *notification.Notifier
	directory notification.Directory
	logger    zerolog.Logger
}

func NewService(repo Repository, spans SpanSource, tx db.Transactor, locker lock.Locker, opts Options) *Service {
	s := &Service{
		repo:      repo,
		spans:     spans,
		tx:        tx,
		locker:    locker,
		loc:       opts.Location,
		step:      opts.SlotLength,
		policy:    opts.Policy,
		now:       opts.Now,
		notifier:  opts.Notifier,
		directory: opts.Directory,
		logger:    opts.Logger,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.step <= 0 {
		s.step = availability.DefaultSlotLength
	}
	if s.policy == "" {
		s.policy = PolicyExact
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func lockKey(doctorID uuid.UUID) string { return "appointment:doctor:" + doctorID.String() }

// withDoctorLock runs fn in a transaction that holds the doctor's booking lock.
func (s *Service) withDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	return lock.WithinTx(ctx, s.tx, s.locker, lockKey(doctorID), fn)
}

// checkConflict fails with ErrConflict when a blocking appointment other
// than excludeID collides with [start, end) under the configured policy.
func (s *Service) checkConflict(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID uuid.UUID) error {
	booked, err := s.repo.ListBlocking(ctx, doctorID, start, end, excludeID)
	if err != nil {
		return err
	}
	for _, b := range booked {
		if s.policy == PolicyOverlap || b.StartTime.Equal(start) {
			return ErrConflict
		}
	}
	return nil
}

func validateCreate(req *CreateRequest) error {
	var errs validation.Errors
	if req.DoctorID == uuid.Nil {
		errs.Add("doctorId", "is required")
	}
	if req.StartTime == nil || req.StartTime.IsZero() {
		errs.Add("startTime", "is required")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDuration
	}
	if req.Type == "" {
		req.Type = TypeInPerson
	}
	errs.Check("durationMinutes", req.DurationMinutes, "gte=15,lte=120")
	errs.Check("type", string(req.Type), "oneof=in_person virtual")
	errs.Check("reason", req.Reason, "max=500")
	if req.VideoURL != nil {
		errs.Check("videoUrl", *req.VideoURL, "omitempty,url")
	}
	return errs.Err(apperr.CodeValidation, "invalid appointment")
}

// Create books a PENDING appointment after checking the doctor's calendar
// under the booking lock.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Appointment, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}
	if !req.StartTime.After(s.now()) {
		return nil, apperr.Validation(apperr.CodeValidation, "invalid appointment", "startTime: must be in the future")
	}

	caller := auth.UserIDFromContext(ctx)
	if !auth.HasRole(ctx, auth.RoleProfessional) {
		if req.PatientID != nil && *req.PatientID != caller {
			return nil, ErrForbidden
		}
		req.PatientID = &caller
	}

	a := &Appointment{
		DoctorID:  req.DoctorID,
		PatientID: req.PatientID,
		Type:      req.Type,
		Status:    StatusPending,
		Reason:    req.Reason,
		VideoURL:  req.VideoURL,
	}
	a.Schedule(req.StartTime.Truncate(time.Minute), req.DurationMinutes)

	err := s.withDoctorLock(ctx, a.DoctorID, func(ctx context.Context) error {
		if err := s.checkConflict(ctx, a.DoctorID, a.StartTime, a.EndTime, uuid.Nil); err != nil {
			return err
		}
		return s.repo.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("appointment_id", a.ID.String()).Str("doctor_id", a.DoctorID.String()).
		Time("start", a.StartTime).Msg("appointment booked")
	s.notify(ctx, a, notification.TemplateAppointmentCreated)
	return s.localize(a), nil
}

func (s *Service) canView(ctx context.Context, a *Appointment) bool {
	if auth.IsAdmin(ctx) {
		return true
	}
	caller := auth.UserIDFromContext(ctx)
	return caller != uuid.Nil && (a.DoctorID == caller || a.IsPatient(caller))
}

// Get returns the appointment if the caller is its doctor, its patient or an admin.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canView(ctx, a) {
		return nil, ErrForbidden
	}
	return s.localize(a), nil
}

// Update applies patch. Rescheduling re-runs the conflict check, ignoring
// the appointment itself.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch Patch) (*Appointment, error) {
	var errs validation.Errors
	if patch.DurationMinutes != nil {
		errs.Check("durationMinutes", *patch.DurationMinutes, "gte=15,lte=120")
	}
	if patch.Type != nil {
		errs.Check("type", string(*patch.Type), "oneof=in_person virtual")
	}
	if patch.Reason != nil {
		errs.Check("reason", *patch.Reason, "max=500")
	}
	if patch.VideoURL != nil {
		errs.Check("videoUrl", *patch.VideoURL, "omitempty,url")
	}
	if patch.DoctorID != nil && *patch.DoctorID == uuid.Nil {
		errs.Add("doctorId", "must not be empty")
	}
	if patch.StartTime != nil && !patch.StartTime.After(s.now()) {
		errs.Add("startTime", "must be in the future")
	}
	if err := errs.Err(apperr.CodeValidation, "invalid appointment"); err != nil {
		return nil, err
	}

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canView(ctx, current) {
		return nil, ErrForbidden
	}
	doctorID := current.DoctorID
	if patch.DoctorID != nil {
		doctorID = *patch.DoctorID
	}

	var out *Appointment
	err = s.withDoctorLock(ctx, doctorID, func(ctx context.Context) error {
		a, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return ErrNotEditable
		}

		start, duration := a.StartTime, a.DurationMinutes
		if patch.StartTime != nil {
			start = patch.StartTime.Truncate(time.Minute)
		}
		if patch.DurationMinutes != nil {
			duration = *patch.DurationMinutes
		}
		a.DoctorID = doctorID
		a.Schedule(start, duration)
		if patch.Type != nil {
			a.Type = *patch.Type
		}
		if patch.Reason != nil {
			a.Reason = *patch.Reason
		}
		if patch.Notes != nil {
			a.Notes = patch.Notes
		}
		if patch.VideoURL != nil {
			a.VideoURL = patch.VideoURL
		}

		if patch.reschedules() {
			if err := s.checkConflict(ctx, a.DoctorID, a.StartTime, a.EndTime, a.ID); err != nil {
				return err
			}
		}
		if err := s.repo.Update(ctx, a, a.Status); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.localize(out), nil
}

// Confirm moves a PENDING appointment to CONFIRMED after re-checking the
// doctor's calendar.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, notes *string) error {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !auth.ActsFor(ctx, current.DoctorID) {
		return ErrForbidden
	}

	var confirmed *Appointment
	err = s.withDoctorLock(ctx, current.DoctorID, func(ctx context.Context) error {
		a, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusPending {
			return ErrInvalidTransition.WithDetails(string(a.Status) + " -> " + string(StatusConfirmed))
		}
		if err := s.checkConflict(ctx, a.DoctorID, a.StartTime, a.EndTime, a.ID); err != nil {
			return err
		}
		a.Status = StatusConfirmed
		if notes != nil && *notes != "" {
			a.Notes = notes
		}
		if err := s.repo.Update(ctx, a, StatusPending); err != nil {
			return err
		}
		confirmed = a
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, confirmed, notification.TemplateAppointmentConfirmed)
	return nil
}

// Cancel marks a non-terminal appointment CANCELLED and stores the reason.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) error {
	var errs validation.Errors
	errs.Check("reason", reason, "max=500")
	if err := errs.Err(apperr.CodeValidation, "invalid cancellation"); err != nil {
		return err
	}

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !s.canView(ctx, current) {
		return ErrForbidden
	}

	var cancelled *Appointment
	err = s.withDoctorLock(ctx, current.DoctorID, func(ctx context.Context) error {
		a, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return ErrInvalidTransition.WithDetails(string(a.Status) + " -> " + string(StatusCancelled))
		}
		from := a.Status
		a.Status = StatusCancelled
		if reason != "" {
			a.CancellationReason = &reason
		}
		if err := s.repo.Update(ctx, a, from); err != nil {
			return err
		}
		cancelled = a
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, cancelled, notification.TemplateAppointmentCancelled)
	return nil
}

// Start moves a CONFIRMED appointment to IN_PROGRESS.
func (s *Service) Start(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusInProgress, StatusConfirmed)
}

// Complete moves an IN_PROGRESS appointment to COMPLETED.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusCompleted, StatusInProgress)
}

// MarkNoShow closes a PENDING or CONFIRMED appointment the patient missed.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, StatusNoShow, StatusPending, StatusConfirmed)
}

// transition performs a doctor-driven status change from one of from to next.
func (s *Service) transition(ctx context.Context, id uuid.UUID, next Status, from ...Status) error {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !auth.ActsFor(ctx, current.DoctorID) {
		return ErrForbidden
	}

	return s.withDoctorLock(ctx, current.DoctorID, func(ctx context.Context) error {
		a, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, f := range from {
			if a.Status == f {
				allowed = true
				break
			}
		}
		if !allowed || !a.Status.CanTransition(next) {
			return ErrInvalidTransition.WithDetails(string(a.Status) + " -> " + string(next))
		}
		prev := a.Status
		a.Status = next
		return s.repo.Update(ctx, a, prev)
	})
}

// ListByPatient returns the patient's appointments, newest first.
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	if !auth.ActsFor(ctx, patientID) && !auth.HasRole(ctx, auth.RoleProfessional) {
		return nil, 0, ErrForbidden
	}
	items, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return s.localizeAll(items), total, nil
}

// ListByDoctor returns the doctor's appointments in calendar order,
// optionally starting at from.
func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID, from *time.Time, limit, offset int) ([]*Appointment, int, error) {
	if !auth.ActsFor(ctx, doctorID) {
		return nil, 0, ErrForbidden
	}
	items, total, err := s.repo.ListByDoctor(ctx, doctorID, from, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return s.localizeAll(items), total, nil
}

// AvailableSlots returns the free start times of doctorID on the calendar
// date of date, in generation order. The appointment named by exclude does
// not occupy its slot, so it can be moved within the same day.
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, date time.Time, exclude *uuid.UUID) ([]availability.Clock, error) {
	spans, err := s.spans.SpansForDate(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	slots := availability.GenerateDaySlots(spans, s.step)

	y, m, d := date.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	excludeID := uuid.Nil
	if exclude != nil {
		excludeID = *exclude
	}
	booked, err := s.repo.ListBlocking(ctx, doctorID, dayStart, dayStart.AddDate(0, 0, 1), excludeID)
	if err != nil {
		return nil, err
	}

	free := make([]availability.Clock, 0, len(slots))
	for _, slot := range slots {
		if !s.occupied(slot, dayStart, booked) {
			free = append(free, slot)
		}
	}
	return free, nil
}

func (s *Service) occupied(slot availability.Clock, day time.Time, booked []*Appointment) bool {
	start := slot.On(day, s.loc)
	end := start.Add(s.step)
	for _, b := range booked {
		if s.policy == PolicyOverlap {
			if b.Overlaps(start, end) {
				return true
			}
		} else if b.StartTime.Equal(start) {
			return true
		}
	}
	return false
}

func (s *Service) localize(a *Appointment) *Appointment {
	a.StartTime = a.StartTime.In(s.loc)
	a.EndTime = a.EndTime.In(s.loc)
	return a
}

func (s *Service) localizeAll(items []*Appointment) []*Appointment {
	if items == nil {
		return []*Appointment{}
	}
	for _, a := range items {
		s.localize(a)
	}
	return items
}

// notify emails the patient about a. Lookup failures are logged and
// never fail the operation.
func (s *Service) notify(ctx context.Context, a *Appointment, templateID string) {
	if s.notifier == nil || s.directory == nil || a.PatientID == nil {
		return
	}
	patient, err := s.directory.Recipient(ctx, *a.PatientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("resolve patient for email")
		return
	}
	doctor, err := s.directory.Recipient(ctx, a.DoctorID)
	if err != nil {
		s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("resolve doctor for email")
		return
	}
	local := a.StartTime.In(s.loc)
	data := map[string]string{
		"name":   patient.Name,
		"doctor": doctor.Name,
		"date":   local.Format("2006-01-02"),
		"time":   local.Format("15:04"),
	}
	if a.CancellationReason != nil {
		data["reason"] = *a.CancellationReason
	} else {
		data["reason"] = "not specified"
	}
	s.notifier.Notify(context.WithoutCancel(ctx), templateID, patient.Email, data)
}
