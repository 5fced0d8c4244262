package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtech/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, doctor_id, patient_id, start_time, duration_minutes, end_time, type, status,
	reason, notes, cancellation_reason, video_url, created_at, updated_at`

const blockingFilter = `status IN ('PENDING', 'CONFIRMED', 'IN_PROGRESS')`

func (r *repoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.StartTime, &a.DurationMinutes, &a.EndTime,
		&a.Type, &a.Status, &a.Reason, &a.Notes, &a.CancellationReason, &a.VideoURL,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, start_time, duration_minutes, end_time,
			type, status, reason, notes, cancellation_reason, video_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		a.ID, a.DoctorID, a.PatientID, a.StartTime, a.DurationMinutes, a.EndTime,
		a.Type, a.Status, a.Reason, a.Notes, a.CancellationReason, a.VideoURL,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, a *Appointment, from Status) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET doctor_id=$2, patient_id=$3, start_time=$4, duration_minutes=$5, end_time=$6,
			type=$7, status=$8, reason=$9, notes=$10, cancellation_reason=$11, video_url=$12, updated_at=NOW()
		WHERE id = $1 AND status = $13
		RETURNING updated_at`,
		a.ID, a.DoctorID, a.PatientID, a.StartTime, a.DurationMinutes, a.EndTime,
		a.Type, a.Status, a.Reason, a.Notes, a.CancellationReason, a.VideoURL, from,
	).Scan(&a.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return r.missedUpdate(ctx, a.ID, from)
	case db.IsUniqueViolation(err):
		return ErrConflict
	}
	return err
}

// missedUpdate tells a missing row apart from one whose status changed.
func (r *repoPG) missedUpdate(ctx context.Context, id uuid.UUID, from Status) error {
	var current Status
	err := r.conn(ctx).QueryRow(ctx, `SELECT status FROM appointments WHERE id = $1`, id).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	}
	return ErrInvalidTransition.WithDetails("status changed from " + string(from) + " to " + string(current))
}

func (r *repoPG) ListBlocking(ctx context.Context, doctorID uuid.UUID, from, to time.Time, excludeID uuid.UUID) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE doctor_id = $1 AND `+blockingFilter+`
			AND start_time < $3 AND end_time > $2 AND id <> $4
		ORDER BY start_time`, doctorID, from, to, excludeID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE patient_id = $1 ORDER BY start_time DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID, from *time.Time, limit, offset int) ([]*Appointment, int, error) {
	where := `doctor_id = $1`
	args := []interface{}{doctorID}
	if from != nil {
		where += ` AND start_time >= $2`
		args = append(args, *from)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT `+apptCols+` FROM appointments WHERE `+where+
		` ORDER BY start_time ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *repoPG) collect(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
