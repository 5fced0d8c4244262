package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medtech/clinic/internal/domain/availability"
	"github.com/medtech/clinic/internal/platform/apperr"
	"github.com/medtech/clinic/internal/platform/auth"
	"github.com/medtech/clinic/internal/platform/db"
	"github.com/medtech/clinic/internal/platform/lock"
	"github.com/medtech/clinic/internal/platform/notification"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
	// beforeUpdate runs ahead of every Update, outside the mutex.
	beforeUpdate func(a *Appointment)
}

func newMockRepo() *mockRepo {
	return &mockRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func (m *mockRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = time.Now()
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, a *Appointment, from Status) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.appts[a.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrInvalidTransition.WithDetails("status changed from " + string(from) + " to " + string(stored.Status))
	}
	a.UpdatedAt = time.Now()
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockRepo) ListBlocking(_ context.Context, doctorID uuid.UUID, from, to time.Time, excludeID uuid.UUID) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID && a.Status.Blocking() && a.ID != excludeID && a.Overlaps(from, to) {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Appointment
	for _, a := range m.appts {
		if a.IsPatient(patientID) {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.After(result[j].StartTime) })
	return page(result, limit, offset), len(result), nil
}

func (m *mockRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, from *time.Time, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Appointment
	for _, a := range m.appts {
		if a.DoctorID == doctorID && (from == nil || !a.StartTime.Before(*from)) {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return page(result, limit, offset), len(result), nil
}

func page(items []*Appointment, limit, offset int) []*Appointment {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

type fixedSpans []availability.Span

func (f fixedSpans) SpansForDate(context.Context, uuid.UUID, time.Time) ([]availability.Span, error) {
	return f, nil
}

type directory map[uuid.UUID]notification.Recipient

func (d directory) Recipient(_ context.Context, id uuid.UUID) (notification.Recipient, error) {
	r, ok := d[id]
	if !ok {
		return notification.Recipient{}, fmt.Errorf("user %s not found", id)
	}
	return r, nil
}

var (
	testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	monday  = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
)

func at(h, m int) time.Time { return time.Date(2025, 3, 10, h, m, 0, 0, time.UTC) }

func newTestService(policy ConflictPolicy) (*Service, *mockRepo) {
	repo := newMockRepo()
	svc := NewService(repo, fixedSpans(availability.DefaultSpans()), db.NoopTransactor{}, lock.NewMemoryLocker(), Options{
		Location: time.UTC,
		Policy:   policy,
		Now:      func() time.Time { return testNow },
		Logger:   zerolog.Nop(),
	})
	return svc, repo
}

func adminCtx() context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{ID: uuid.New(), Roles: []string{auth.RoleAdmin}})
}

func doctorCtx(id uuid.UUID) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{ID: id, Roles: []string{auth.RoleProfessional}})
}

func patientCtx(id uuid.UUID) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{ID: id, Roles: []string{auth.RolePatient}})
}

func timePtr(t time.Time) *time.Time { return &t }

func book(t *testing.T, svc *Service, doctor, patient uuid.UUID, start time.Time) *Appointment {
	t.Helper()
	a, err := svc.Create(patientCtx(patient), CreateRequest{DoctorID: doctor, StartTime: &start})
	if err != nil {
		t.Fatalf("book %s: %v", start.Format("15:04"), err)
	}
	return a
}

// -- Create --

func TestService_Create(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor, patient := uuid.New(), uuid.New()
	start := at(9, 0)

	a, err := svc.Create(patientCtx(patient), CreateRequest{DoctorID: doctor, StartTime: &start, Reason: "checkup"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", a.Status)
	}
	if a.DurationMinutes != DefaultDuration || !a.EndTime.Equal(at(9, 30)) {
		t.Errorf("expected 30 minute default ending 09:30, got %d ending %v", a.DurationMinutes, a.EndTime)
	}
	if a.Type != TypeInPerson {
		t.Errorf("expected in_person, got %s", a.Type)
	}
	if !a.IsPatient(patient) {
		t.Error("expected patient to default to the caller")
	}
}

func TestService_Create_EndIsStartPlusDuration(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	for _, d := range []int{15, 45, 120} {
		start := at(9, 0).Add(time.Duration(d) * time.Hour)
		a, err := svc.Create(adminCtx(), CreateRequest{DoctorID: uuid.New(), StartTime: &start, DurationMinutes: d})
		if err != nil {
			t.Fatalf("duration %d: unexpected error: %v", d, err)
		}
		if got := a.EndTime.Sub(a.StartTime); got != time.Duration(d)*time.Minute {
			t.Errorf("duration %d: end-start = %v", d, got)
		}
	}
}

func TestService_Create_Validation(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	start := at(9, 0)
	past := testNow.Add(-time.Hour)
	long := make([]byte, MaxReasonLength+1)
	for i := range long {
		long[i] = 'x'
	}
	bad := "not a url"

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"missing doctor", CreateRequest{StartTime: &start}},
		{"missing start", CreateRequest{DoctorID: uuid.New()}},
		{"short duration", CreateRequest{DoctorID: uuid.New(), StartTime: &start, DurationMinutes: 10}},
		{"long duration", CreateRequest{DoctorID: uuid.New(), StartTime: &start, DurationMinutes: 121}},
		{"bad type", CreateRequest{DoctorID: uuid.New(), StartTime: &start, Type: "phone"}},
		{"long reason", CreateRequest{DoctorID: uuid.New(), StartTime: &start, Reason: string(long)}},
		{"bad video url", CreateRequest{DoctorID: uuid.New(), StartTime: &start, VideoURL: &bad}},
		{"past", CreateRequest{DoctorID: uuid.New(), StartTime: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(adminCtx(), tt.req)
			if !apperr.IsKind(err, apperr.KindValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestService_Create_PatientCannotBookForOthers(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	start := at(9, 0)
	other := uuid.New()
	_, err := svc.Create(patientCtx(uuid.New()), CreateRequest{DoctorID: uuid.New(), PatientID: &other, StartTime: &start})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestService_Create_ExactConflict(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor := uuid.New()
	book(t, svc, doctor, uuid.New(), at(9, 0))

	start := at(9, 0)
	_, err := svc.Create(patientCtx(uuid.New()), CreateRequest{DoctorID: doctor, StartTime: &start})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if apperr.Wrap(err).Code != "APPOINTMENT-409" {
		t.Errorf("expected APPOINTMENT-409, got %s", apperr.Wrap(err).Code)
	}

	// Exact policy only compares start instants.
	book(t, svc, doctor, uuid.New(), at(9, 15))
	// Other doctors are independent.
	book(t, svc, uuid.New(), uuid.New(), at(9, 0))
}

func TestService_Create_OverlapConflict(t *testing.T) {
	svc, _ := newTestService(PolicyOverlap)
	doctor := uuid.New()
	book(t, svc, doctor, uuid.New(), at(9, 0))

	start := at(9, 15)
	if _, err := svc.Create(patientCtx(uuid.New()), CreateRequest{DoctorID: doctor, StartTime: &start}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected overlap conflict, got %v", err)
	}
	book(t, svc, doctor, uuid.New(), at(9, 30))
}

func TestService_Create_NonBlockingDoesNotConflict(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor, patient := uuid.New(), uuid.New()
	a := book(t, svc, doctor, patient, at(9, 0))
	if err := svc.Cancel(patientCtx(patient), a.ID, "travel"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	book(t, svc, doctor, uuid.New(), at(9, 0))
}

func TestService_Create_ConcurrentSameSlot(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	doctor := uuid.New()
	start := at(10, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(patientCtx(uuid.New()), CreateRequest{DoctorID: doctor, StartTime: &start})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || conflicts != 19 {
		t.Errorf("expected 1 booking and 19 conflicts, got %d and %d", ok, conflicts)
	}
	booked, _ := repo.ListBlocking(context.Background(), doctor, start, start.Add(time.Minute), uuid.Nil)
	if len(booked) != 1 {
		t.Errorf("expected exactly one stored appointment, got %d", len(booked))
	}
}

// -- Get --

func TestService_Get_Access(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor, patient := uuid.New(), uuid.New()
	a := book(t, svc, doctor, patient, at(9, 0))

	tests := []struct {
		name    string
		ctx     context.Context
		allowed bool
	}{
		{"owner", patientCtx(patient), true},
		{"doctor", doctorCtx(doctor), true},
		{"admin", adminCtx(), true},
		{"other patient", patientCtx(uuid.New()), false},
		{"other doctor", doctorCtx(uuid.New()), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Get(tt.ctx, a.ID)
			if tt.allowed && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.allowed && !apperr.IsKind(err, apperr.KindForbidden) {
				t.Errorf("expected forbidden, got %v", err)
			}
		})
	}
}

func TestService_Get_NotFound(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	if _, err := svc.Get(adminCtx(), uuid.New()); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

// -- Update --

func TestService_Update(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor, patient := uuid.New(), uuid.New()
	a := book(t, svc, doctor, patient, at(9, 0))

	reason := "follow-up"
	duration := 60
	updated, err := svc.Update(patientCtx(patient), a.ID, Patch{Reason: &reason, DurationMinutes: &duration})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Reason != reason || !updated.EndTime.Equal(at(10, 0)) {
		t.Errorf("unexpected update %+v", updated)
	}
}

func TestService_Update_InvalidDurationWritesNothing(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	patient := uuid.New()
	a := book(t, svc, uuid.New(), patient, at(9, 0))

	reason := "changed"
	duration := 5
	_, err := svc.Update(patientCtx(patient), a.ID, Patch{Reason: &reason, DurationMinutes: &duration})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), a.ID)
	if stored.Reason == reason || stored.DurationMinutes != DefaultDuration {
		t.Error("expected no write on invalid duration")
	}
}

func TestService_Update_RescheduleConflict(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor, patient := uuid.New(), uuid.New()
	book(t, svc, doctor, uuid.New(), at(9, 0))
	a := book(t, svc, doctor, patient, at(10, 0))

	start := at(9, 0)
	if _, err := svc.Update(patientCtx(patient), a.ID, Patch{StartTime: &start}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}

	// Rescheduling onto its own slot is not a conflict.
	same := at(10, 0)
	duration := 45
	if _, err := svc.Update(patientCtx(patient), a.ID, Patch{StartTime: &same, DurationMinutes: &duration}); err != nil {
		t.Errorf("expected self-match to pass, got %v", err)
	}
}

func TestService_Update_Terminal(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	patient := uuid.New()
	a := book(t, svc, uuid.New(), patient, at(9, 0))
	svc.Cancel(patientCtx(patient), a.ID, "")

	reason := "too late"
	if _, err := svc.Update(patientCtx(patient), a.ID, Patch{Reason: &reason}); !errors.Is(err, ErrNotEditable) {
		t.Errorf("expected not editable, got %v", err)
	}
}

// -- Status transitions --

func TestService_Confirm(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	doctor := uuid.New()
	a := book(t, svc, doctor, uuid.New(), at(9, 0))

	notes := "bring previous results"
	if err := svc.Confirm(doctorCtx(doctor), a.ID, &notes); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), a.ID)
	if stored.Status != StatusConfirmed || stored.Notes == nil || *stored.Notes != notes {
		t.Errorf("unexpected appointment %+v", stored)
	}

	if err := svc.Confirm(doctorCtx(doctor), a.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected invalid transition on second confirm, got %v", err)
	}
}

func TestService_Confirm_Errors(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor := uuid.New()
	a := book(t, svc, doctor, uuid.New(), at(9, 0))

	if err := svc.Confirm(doctorCtx(uuid.New()), a.ID, nil); !apperr.IsKind(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden for another doctor, got %v", err)
	}
	if err := svc.Confirm(adminCtx(), uuid.New(), nil); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_Confirm_RecheckConflict(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	doctor := uuid.New()
	a := book(t, svc, doctor, uuid.New(), at(9, 0))

	// Simulate a row that slipped past the booking check.
	dup := &Appointment{DoctorID: doctor, Status: StatusConfirmed, Type: TypeInPerson}
	dup.Schedule(at(9, 0), 30)
	repo.Create(context.Background(), dup)

	if err := svc.Confirm(doctorCtx(doctor), a.ID, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestService_Cancel(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	patient := uuid.New()
	a := book(t, svc, uuid.New(), patient, at(9, 0))

	if err := svc.Cancel(patientCtx(patient), a.ID, "feeling better"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), a.ID)
	if stored.Status != StatusCancelled || stored.CancellationReason == nil || *stored.CancellationReason != "feeling better" {
		t.Errorf("unexpected appointment %+v", stored)
	}

	if err := svc.Cancel(patientCtx(patient), a.ID, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected invalid transition, got %v", err)
	}
	if err := svc.Cancel(patientCtx(uuid.New()), a.ID, ""); !apperr.IsKind(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestService_Confirm_LosesToCommittedCancel(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	doctor := uuid.New()
	a := book(t, svc, doctor, uuid.New(), at(9, 0))

	// Another writer cancels between Confirm's read and its write.
	repo.beforeUpdate = func(pending *Appointment) {
		if pending.Status != StatusConfirmed {
			return
		}
		repo.mu.Lock()
		repo.appts[a.ID].Status = StatusCancelled
		repo.mu.Unlock()
	}

	if err := svc.Confirm(doctorCtx(doctor), a.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), a.ID)
	if stored.Status != StatusCancelled {
		t.Errorf("expected CANCELLED to stick, got %s", stored.Status)
	}
}

func TestService_Update_LosesToCommittedCancel(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	patient := uuid.New()
	a := book(t, svc, uuid.New(), patient, at(9, 0))

	repo.beforeUpdate = func(*Appointment) {
		repo.mu.Lock()
		repo.appts[a.ID].Status = StatusCancelled
		repo.mu.Unlock()
	}

	start := at(10, 0)
	if _, err := svc.Update(patientCtx(patient), a.ID, Patch{StartTime: &start}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), a.ID)
	if stored.Status != StatusCancelled || !stored.StartTime.Equal(at(9, 0)) {
		t.Errorf("expected cancelled 09:00 appointment untouched, got %s at %v", stored.Status, stored.StartTime)
	}
}

func TestService_ConfirmAndCancel_Concurrent(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	doctor, patient := uuid.New(), uuid.New()

	for i := 0; i < 20; i++ {
		a := book(t, svc, doctor, patient, at(9, 0).Add(time.Duration(i)*time.Hour))

		var wg sync.WaitGroup
		var cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = svc.Confirm(doctorCtx(doctor), a.ID, nil)
		}()
		go func() {
			defer wg.Done()
			cancelErr = svc.Cancel(patientCtx(patient), a.ID, "")
		}()
		wg.Wait()

		if cancelErr != nil {
			t.Fatalf("round %d: cancel failed: %v", i, cancelErr)
		}
		stored, _ := repo.GetByID(context.Background(), a.ID)
		if stored.Status != StatusCancelled {
			t.Fatalf("round %d: expected CANCELLED after a successful cancel, got %s", i, stored.Status)
		}
	}
}

// stagingTx makes appointments created inside a transaction visible only
// once it commits, after commitDelay.
type stagingTx struct {
	repo        *mockRepo
	commitDelay time.Duration
}

type stageKey struct{}

type stage struct{ created []*Appointment }

func (t stagingTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	st := &stage{}
	if err := fn(context.WithValue(ctx, stageKey{}, st)); err != nil {
		return err
	}
	time.Sleep(t.commitDelay)
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for _, a := range st.created {
		t.repo.appts[a.ID] = a
	}
	return nil
}

type stagedRepo struct{ *mockRepo }

func (r stagedRepo) Create(ctx context.Context, a *Appointment) error {
	st, ok := ctx.Value(stageKey{}).(*stage)
	if !ok {
		return r.mockRepo.Create(ctx, a)
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	st.created = append(st.created, &cp)
	return nil
}

func TestService_Create_OverlapSerializedAcrossCommit(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(stagedRepo{repo}, fixedSpans(availability.DefaultSpans()),
		stagingTx{repo: repo, commitDelay: 50 * time.Millisecond}, lock.NewMemoryLocker(), Options{
			Location: time.UTC,
			Policy:   PolicyOverlap,
			Now:      func() time.Time { return testNow },
			Logger:   zerolog.Nop(),
		})
	doctor := uuid.New()

	reqs := []CreateRequest{
		{DoctorID: doctor, StartTime: timePtr(at(9, 0)), DurationMinutes: 60},
		{DoctorID: doctor, StartTime: timePtr(at(9, 30)), DurationMinutes: 30},
	}
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req CreateRequest) {
			defer wg.Done()
			_, errs[i] = svc.Create(adminCtx(), req)
		}(i, req)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if errors.Is(err, ErrConflict) {
			conflicts++
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if conflicts != 1 {
		t.Errorf("expected exactly one conflict, got errors %v", errs)
	}
	if len(repo.appts) != 1 {
		t.Errorf("expected one stored appointment, got %d", len(repo.appts))
	}
}

func TestService_Lifecycle(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	doctor := uuid.New()
	ctx := doctorCtx(doctor)
	a := book(t, svc, doctor, uuid.New(), at(9, 0))

	if err := svc.Start(ctx, a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected start from PENDING to fail, got %v", err)
	}
	if err := svc.Confirm(ctx, a.ID, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := svc.Start(ctx, a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.MarkNoShow(ctx, a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected no-show from IN_PROGRESS to fail, got %v", err)
	}
	if err := svc.Complete(ctx, a.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), a.ID)
	if stored.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", stored.Status)
	}
	if err := svc.Cancel(ctx, a.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected cancel after completion to fail, got %v", err)
	}
}

func TestService_MarkNoShow(t *testing.T) {
	svc, repo := newTestService(PolicyExact)
	doctor := uuid.New()
	a := book(t, svc, doctor, uuid.New(), at(9, 0))

	if err := svc.MarkNoShow(doctorCtx(doctor), a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), a.ID)
	if stored.Status != StatusNoShow {
		t.Errorf("expected NO_SHOW, got %s", stored.Status)
	}
	// The slot is free again.
	book(t, svc, doctor, uuid.New(), at(9, 0))
}

// -- Lists --

func TestService_ListByPatient_NewestFirst(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	patient := uuid.New()
	book(t, svc, uuid.New(), patient, at(9, 0))
	book(t, svc, uuid.New(), patient, at(15, 0))
	book(t, svc, uuid.New(), patient, at(11, 0))

	items, total, err := svc.ListByPatient(patientCtx(patient), patient, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || !items[0].StartTime.Equal(at(15, 0)) || !items[2].StartTime.Equal(at(9, 0)) {
		t.Errorf("unexpected order %v", items)
	}
	if _, _, err := svc.ListByPatient(patientCtx(uuid.New()), patient, 10, 0); !apperr.IsKind(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}

func TestService_ListByDoctor_Ascending(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor := uuid.New()
	book(t, svc, doctor, uuid.New(), at(11, 0))
	book(t, svc, doctor, uuid.New(), at(9, 0))

	items, _, err := svc.ListByDoctor(doctorCtx(doctor), doctor, nil, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || !items[0].StartTime.Before(items[1].StartTime) {
		t.Errorf("expected ascending order, got %v", items)
	}

	from := at(10, 0)
	items, total, _ := svc.ListByDoctor(doctorCtx(doctor), doctor, &from, 10, 0)
	if total != 1 || len(items) != 1 {
		t.Errorf("expected 1 appointment after 10:00, got %d", total)
	}
	if items, _, _ := svc.ListByDoctor(doctorCtx(doctor), uuid.New(), nil, 10, 0); items != nil {
		t.Error("expected forbidden for another doctor's calendar")
	}
}

// -- Available slots --

func TestService_AvailableSlots_DefaultDay(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	slots, err := svc.AvailableSlots(context.Background(), uuid.New(), monday, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 18 {
		t.Errorf("expected 18 free slots, got %d", len(slots))
	}
}

func TestService_AvailableSlots_RemovesBooked(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor := uuid.New()
	book(t, svc, doctor, uuid.New(), at(7, 30))
	book(t, svc, doctor, uuid.New(), at(14, 0))
	// Another doctor's booking is irrelevant.
	book(t, svc, uuid.New(), uuid.New(), at(8, 0))

	slots, _ := svc.AvailableSlots(context.Background(), doctor, monday, nil)
	if len(slots) != 16 {
		t.Fatalf("expected 16 free slots, got %d: %v", len(slots), slots)
	}
	for _, s := range slots {
		if s == availability.NewClock(7, 30) || s == availability.NewClock(14, 0) {
			t.Errorf("booked slot %s still offered", s)
		}
	}
	for i := 1; i < len(slots); i++ {
		if slots[i] <= slots[i-1] {
			t.Fatalf("generation order not preserved at %d: %v", i, slots)
		}
	}
}

func TestService_AvailableSlots_Exclude(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor := uuid.New()
	a := book(t, svc, doctor, uuid.New(), at(9, 0))

	slots, _ := svc.AvailableSlots(context.Background(), doctor, monday, &a.ID)
	if len(slots) != 18 {
		t.Errorf("expected excluded appointment to free its slot, got %d", len(slots))
	}
}

func TestService_AvailableSlots_IgnoresCancelled(t *testing.T) {
	svc, _ := newTestService(PolicyExact)
	doctor, patient := uuid.New(), uuid.New()
	a := book(t, svc, doctor, patient, at(9, 0))
	svc.Cancel(patientCtx(patient), a.ID, "")

	slots, _ := svc.AvailableSlots(context.Background(), doctor, monday, nil)
	if len(slots) != 18 {
		t.Errorf("expected cancelled appointment not to occupy, got %d", len(slots))
	}
}

func TestService_AvailableSlots_Overlap(t *testing.T) {
	svc, _ := newTestService(PolicyOverlap)
	doctor := uuid.New()
	start := at(9, 0)
	if _, err := svc.Create(adminCtx(), CreateRequest{DoctorID: doctor, StartTime: &start, DurationMinutes: 60}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	slots, _ := svc.AvailableSlots(context.Background(), doctor, monday, nil)
	if len(slots) != 16 {
		t.Fatalf("expected a 60 minute booking to take two slots, got %d", len(slots))
	}
	for _, s := range slots {
		if s == availability.NewClock(9, 0) || s == availability.NewClock(9, 30) {
			t.Errorf("slot %s overlaps the booking", s)
		}
	}
}

func TestService_AvailableSlots_LocalDay(t *testing.T) {
	loc := time.FixedZone("ART", -3*60*60)
	repo := newMockRepo()
	svc := NewService(repo, fixedSpans(availability.DefaultSpans()), db.NoopTransactor{}, lock.NewMemoryLocker(), Options{
		Location: loc,
		Now:      func() time.Time { return testNow },
	})
	doctor := uuid.New()
	start := time.Date(2025, 3, 10, 7, 0, 0, 0, loc)
	if _, err := svc.Create(adminCtx(), CreateRequest{DoctorID: doctor, StartTime: &start}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	slots, _ := svc.AvailableSlots(context.Background(), doctor, monday, nil)
	if len(slots) != 17 || slots[0] != availability.NewClock(7, 30) {
		t.Errorf("expected 07:00 local to be taken, got %v", slots)
	}
}

// -- Notifications --

func TestService_NotifiesPatient(t *testing.T) {
	sender := &notification.MockEmailSender{}
	doctor, patient := uuid.New(), uuid.New()
	dir := directory{
		doctor:  {Email: "ruiz@clinic.org", Name: "Dr. Ruiz"},
		patient: {Email: "ana@example.com", Name: "Ana"},
	}
	svc := NewService(newMockRepo(), fixedSpans(availability.DefaultSpans()), db.NoopTransactor{}, lock.NewMemoryLocker(), Options{
		Now:       func() time.Time { return testNow },
		Notifier:  notification.NewNotifier(notification.NewTemplateEngine(), notification.SyncDispatcher{Sender: sender, Logger: zerolog.Nop()}, zerolog.Nop()),
		Directory: dir,
	})

	a := book(t, svc, doctor, patient, at(9, 0))
	svc.Confirm(doctorCtx(doctor), a.ID, nil)
	svc.Cancel(patientCtx(patient), a.ID, "travel")

	calls := sender.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 emails, got %d", len(calls))
	}
	want := []string{notification.TemplateAppointmentCreated, notification.TemplateAppointmentConfirmed, notification.TemplateAppointmentCancelled}
	for i, w := range want {
		if calls[i].TemplateID != w || calls[i].To != "ana@example.com" {
			t.Errorf("email %d: got %s to %s", i, calls[i].TemplateID, calls[i].To)
		}
	}
}

func TestService_NotificationFailureDoesNotFailBooking(t *testing.T) {
	sender := &notification.MockEmailSender{ShouldFail: true, FailError: "smtp down"}
	svc := NewService(newMockRepo(), fixedSpans(availability.DefaultSpans()), db.NoopTransactor{}, lock.NewMemoryLocker(), Options{
		Now:       func() time.Time { return testNow },
		Notifier:  notification.NewNotifier(notification.NewTemplateEngine(), notification.SyncDispatcher{Sender: sender, Logger: zerolog.Nop()}, zerolog.Nop()),
		Directory: directory{},
	})
	book(t, svc, uuid.New(), uuid.New(), at(9, 0))
}
