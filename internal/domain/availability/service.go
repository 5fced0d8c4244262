package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/medtech/clinic/internal/platform/auth"
	"github.com/medtech/clinic/internal/platform/db"
	"github.com/medtech/clinic/internal/platform/lock"
)

type Service struct {
	windows WindowRepository
	fixed   FixedScheduleRepository
	tx      db.Transactor
	locker  lock.Locker
}

func NewService(windows WindowRepository, fixed FixedScheduleRepository, tx db.Transactor, locker lock.Locker) *Service {
	return &Service{windows: windows, fixed: fixed, tx: tx, locker: locker}
}

func lockKey(doctorID uuid.UUID) string { return "availability:doctor:" + doctorID.String() }

// withDoctorLock runs fn in a transaction holding the doctor's availability lock.
func (s *Service) withDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	return lock.WithinTx(ctx, s.tx, s.locker, lockKey(doctorID), fn)
}

func validateInput(in WindowInput) error {
	if in.DoctorID == uuid.Nil {
		return ErrInvalidWindow.WithDetails("doctorId is required")
	}
	if !validDay(in.DayOfWeek) {
		return ErrInvalidWindow.WithDetails("dayOfWeek must be between 1 (Monday) and 7 (Sunday)")
	}
	return ValidateWindow(in.StartTime, in.EndTime)
}

// Create stores a new active window. The caller must be the doctor or an admin.
func (s *Service) Create(ctx context.Context, in WindowInput) (*Window, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if !auth.ActsFor(ctx, in.DoctorID) {
		return nil, ErrNotOwner
	}
	w := &Window{
		DoctorID:  in.DoctorID,
		DayOfWeek: in.DayOfWeek,
		StartTime: *in.StartTime,
		EndTime:   *in.EndTime,
		Active:    true,
	}
	err := s.withDoctorLock(ctx, w.DoctorID, func(ctx context.Context) error {
		dup, err := s.windows.ExistsActive(ctx, w.DoctorID, w.DayOfWeek, w.StartTime, w.EndTime, uuid.Nil)
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicate
		}
		return s.windows.Create(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Update merges patch into the stored window, re-validates it and rejects
// a collision with a different active window.
func (s *Service) Update(ctx context.Context, id uuid.UUID, patch WindowPatch) (*Window, error) {
	var out *Window
	existing, err := s.windows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !auth.ActsFor(ctx, existing.DoctorID) {
		return nil, ErrNotOwner
	}

	err = s.withDoctorLock(ctx, existing.DoctorID, func(ctx context.Context) error {
		w, err := s.windows.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if patch.DayOfWeek != nil {
			w.DayOfWeek = *patch.DayOfWeek
		}
		if patch.StartTime != nil {
			w.StartTime = *patch.StartTime
		}
		if patch.EndTime != nil {
			w.EndTime = *patch.EndTime
		}
		if patch.Active != nil {
			w.Active = *patch.Active
		}
		if !validDay(w.DayOfWeek) {
			return ErrInvalidWindow.WithDetails("dayOfWeek must be between 1 (Monday) and 7 (Sunday)")
		}
		if err := ValidateWindow(&w.StartTime, &w.EndTime); err != nil {
			return err
		}
		if w.Active {
			dup, err := s.windows.ExistsActive(ctx, w.DoctorID, w.DayOfWeek, w.StartTime, w.EndTime, w.ID)
			if err != nil {
				return err
			}
			if dup {
				return ErrDuplicate
			}
		}
		if err := s.windows.Update(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deactivate soft-deletes a window. Deactivating an inactive window succeeds.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	w, err := s.windows.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !auth.ActsFor(ctx, w.DoctorID) {
		return ErrNotOwner
	}
	if !w.Active {
		return nil
	}
	w.Active = false
	return s.windows.Update(ctx, w)
}

// Get returns an active window. Deactivated windows read as not found.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Window, error) {
	w, err := s.windows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !w.Active {
		return nil, ErrNotFound
	}
	return w, nil
}

func (s *Service) ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Window, error) {
	items, err := s.windows.ListActiveByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Window{}
	}
	return items, nil
}

// SetFixedSchedule validates both blocks and replaces the doctor's fixed schedule.
func (s *Service) SetFixedSchedule(ctx context.Context, f *FixedSchedule) error {
	if f.DoctorID == uuid.Nil {
		return ErrInvalidWindow.WithDetails("doctorId is required")
	}
	if !auth.ActsFor(ctx, f.DoctorID) {
		return ErrNotOwner
	}
	if err := ValidateWindow(&f.MorningStart, &f.MorningEnd); err != nil {
		return err
	}
	if err := ValidateWindow(&f.AfternoonStart, &f.AfternoonEnd); err != nil {
		return err
	}
	if f.MorningEnd > f.AfternoonStart {
		return ErrInvalidWindow.WithDetails("morning block must end before the afternoon block starts")
	}
	return s.fixed.Upsert(ctx, f)
}

func (s *Service) GetFixedSchedule(ctx context.Context, doctorID uuid.UUID) (*FixedSchedule, error) {
	return s.fixed.GetByDoctor(ctx, doctorID)
}

// SpansForDate resolves the working spans of a doctor on date: the weekly
// windows of that weekday, else the active fixed schedule, else DefaultSpans.
func (s *Service) SpansForDate(ctx context.Context, doctorID uuid.UUID, date time.Time) ([]Span, error) {
	windows, err := s.windows.ListActiveByDoctorDay(ctx, doctorID, Weekday(date))
	if err != nil {
		return nil, err
	}
	if len(windows) > 0 {
		spans := make([]Span, 0, len(windows))
		for _, w := range windows {
			spans = append(spans, w.Span())
		}
		return spans, nil
	}

	f, err := s.fixed.GetByDoctor(ctx, doctorID)
	switch {
	case errors.Is(err, ErrFixedScheduleNotFound):
	case err != nil:
		return nil, err
	case f.Active:
		return f.Spans(), nil
	}
	return DefaultSpans(), nil
}
