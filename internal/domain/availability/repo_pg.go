package availability

import (
	"context"
	"errors"

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

// =========== Window Repository ===========

type windowRepoPG struct{ pool *pgxpool.Pool }

func NewWindowRepoPG(pool *pgxpool.Pool) WindowRepository { return &windowRepoPG{pool: pool} }

func (r *windowRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const windowCols = `id, doctor_id, day_of_week, start_time, end_time, is_active, created_at, updated_at`

func (r *windowRepoPG) scanWindow(row pgx.Row) (*Window, error) {
	var w Window
	err := row.Scan(&w.ID, &w.DoctorID, &w.DayOfWeek, &w.StartTime, &w.EndTime, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &w, err
}

func (r *windowRepoPG) Create(ctx context.Context, w *Window) error {
	w.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor_availability (id, doctor_id, day_of_week, start_time, end_time, is_active)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		w.ID, w.DoctorID, w.DayOfWeek, w.StartTime, w.EndTime, w.Active,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r *windowRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Window, error) {
	return r.scanWindow(r.conn(ctx).QueryRow(ctx, `SELECT `+windowCols+` FROM doctor_availability WHERE id = $1`, id))
}

func (r *windowRepoPG) Update(ctx context.Context, w *Window) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE doctor_availability SET day_of_week=$2, start_time=$3, end_time=$4, is_active=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		w.ID, w.DayOfWeek, w.StartTime, w.EndTime, w.Active,
	).Scan(&w.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case db.IsUniqueViolation(err):
		return ErrDuplicate
	}
	return err
}

func (r *windowRepoPG) ExistsActive(ctx context.Context, doctorID uuid.UUID, day int, start, end Clock, excludeID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM doctor_availability
			WHERE doctor_id = $1 AND day_of_week = $2 AND start_time = $3 AND end_time = $4
				AND is_active AND id <> $5
		)`, doctorID, day, start, end, excludeID).Scan(&exists)
	return exists, err
}

func (r *windowRepoPG) ListActiveByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*Window, error) {
	return r.list(ctx, `SELECT `+windowCols+` FROM doctor_availability
		WHERE doctor_id = $1 AND is_active
		ORDER BY day_of_week, start_time, end_time`, doctorID)
}

func (r *windowRepoPG) ListActiveByDoctorDay(ctx context.Context, doctorID uuid.UUID, day int) ([]*Window, error) {
	return r.list(ctx, `SELECT `+windowCols+` FROM doctor_availability
		WHERE doctor_id = $1 AND day_of_week = $2 AND is_active
		ORDER BY start_time, end_time`, doctorID, day)
}

func (r *windowRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Window, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Window
	for rows.Next() {
		w, err := r.scanWindow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// =========== Fixed Schedule Repository ===========

type fixedRepoPG struct{ pool *pgxpool.Pool }

func NewFixedScheduleRepoPG(pool *pgxpool.Pool) FixedScheduleRepository {
	return &fixedRepoPG{pool: pool}
}

func (r *fixedRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *fixedRepoPG) Upsert(ctx context.Context, f *FixedSchedule) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO doctor_fixed_schedule (doctor_id, morning_start, morning_end, afternoon_start, afternoon_end, is_active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (doctor_id) DO UPDATE SET
			morning_start=EXCLUDED.morning_start, morning_end=EXCLUDED.morning_end,
			afternoon_start=EXCLUDED.afternoon_start, afternoon_end=EXCLUDED.afternoon_end,
			is_active=EXCLUDED.is_active, updated_at=NOW()
		RETURNING updated_at`,
		f.DoctorID, f.MorningStart, f.MorningEnd, f.AfternoonStart, f.AfternoonEnd, f.Active,
	).Scan(&f.UpdatedAt)
}

func (r *fixedRepoPG) GetByDoctor(ctx context.Context, doctorID uuid.UUID) (*FixedSchedule, error) {
	var f FixedSchedule
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT doctor_id, morning_start, morning_end, afternoon_start, afternoon_end, is_active, updated_at
		FROM doctor_fixed_schedule WHERE doctor_id = $1`, doctorID,
	).Scan(&f.DoctorID, &f.MorningStart, &f.MorningEnd, &f.AfternoonStart, &f.AfternoonEnd, &f.Active, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFixedScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
