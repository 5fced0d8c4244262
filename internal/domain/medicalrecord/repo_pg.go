package medicalrecord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtech/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func dateParam(s *string) (pgtype.Date, error) {
	if s == nil || *s == "" {
		return pgtype.Date{}, nil
	}
	t, err := time.Parse(dateLayout, *s)
	if err != nil {
		return pgtype.Date{}, fmt.Errorf("parse date %q: %w", *s, err)
	}
	return pgtype.Date{Time: t, Valid: true}, nil
}

func dateString(d pgtype.Date) *string {
	if !d.Valid {
		return nil
	}
	s := d.Time.Format(dateLayout)
	return &s
}

func severityParam(s *Severity) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// -- Record Repository --

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository { return &recordRepoPG{pool: pool} }

const recordCols = `id, patient_id, number, observations, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.PatientID, &r.Number, &r.Observations, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO medical_records (id, patient_id, number, observations)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		rec.ID, rec.PatientID, rec.Number, rec.Observations,
	).Scan(&rec.CreatedAt)
	switch {
	case db.IsUniqueViolationOn(err, "medical_records_number_key"):
		return errNumberTaken
	case db.IsUniqueViolation(err):
		return ErrRecordExists
	}
	return err
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recordCols+` FROM medical_records WHERE id = $1`, id))
}

func (r *recordRepoPG) GetByPatient(ctx context.Context, patientID uuid.UUID) (*Record, error) {
	return scanRecord(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recordCols+` FROM medical_records WHERE patient_id = $1`, patientID))
}

// -- Entry Repository --

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewEntryRepoPG(pool *pgxpool.Pool) EntryRepository { return &entryRepoPG{pool: pool} }

const entryCols = `id, record_id, professional_id, type, summary, description, observations, allergies, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.RecordID, &e.ProfessionalID, &e.Type, &e.Summary,
		&e.Description, &e.Observations, &e.Allergies, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *entryRepoPG) Create(ctx context.Context, e *Entry) error {
	e.ID = uuid.New()
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO medical_entries (id, record_id, professional_id, type, summary, description, observations, allergies)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		e.ID, e.RecordID, e.ProfessionalID, e.Type, e.Summary, e.Description, e.Observations, e.Allergies,
	).Scan(&e.CreatedAt)
	if db.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

func (r *entryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return scanEntry(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+entryCols+` FROM medical_entries WHERE id = $1`, id))
}

func (r *entryRepoPG) ListByRecord(ctx context.Context, recordID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	c := connFor(ctx, r.pool)
	var total int
	if err := c.QueryRow(ctx, `SELECT COUNT(*) FROM medical_entries WHERE record_id = $1`, recordID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + entryCols + ` FROM medical_entries WHERE record_id = $1 ORDER BY created_at DESC, id`
	args := []interface{}{recordID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

// -- Diagnosis Repository --

type diagnosisRepoPG struct{ pool *pgxpool.Pool }

func NewDiagnosisRepoPG(pool *pgxpool.Pool) DiagnosisRepository { return &diagnosisRepoPG{pool: pool} }

func (r *diagnosisRepoPG) Create(ctx context.Context, d *Diagnosis) error {
	start, err := dateParam(d.StartDate)
	if err != nil {
		return err
	}
	d.ID = uuid.New()
	err = connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO diagnoses (id, entry_id, code, code_system, description, start_date, severity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		d.ID, d.EntryID, d.Code, d.CodeSystem, d.Description, start, severityParam(d.Severity),
	).Scan(&d.CreatedAt)
	if db.IsForeignKeyViolation(err) {
		return ErrEntryNotFound
	}
	return err
}

func (r *diagnosisRepoPG) ListByEntries(ctx context.Context, entryIDs []uuid.UUID) ([]*Diagnosis, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT id, entry_id, code, code_system, description, start_date, severity, created_at
		FROM diagnoses WHERE entry_id = ANY($1)
		ORDER BY created_at, id`, entryIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Diagnosis
	for rows.Next() {
		var (
			d        Diagnosis
			start    pgtype.Date
			severity *string
		)
		if err := rows.Scan(&d.ID, &d.EntryID, &d.Code, &d.CodeSystem, &d.Description,
			&start, &severity, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.StartDate = dateString(start)
		if severity != nil {
			s := Severity(*severity)
			d.Severity = &s
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

// -- Treatment Repository --

type treatmentRepoPG struct{ pool *pgxpool.Pool }

func NewTreatmentRepoPG(pool *pgxpool.Pool) TreatmentRepository { return &treatmentRepoPG{pool: pool} }

func (r *treatmentRepoPG) Create(ctx context.Context, t *Treatment) error {
	start, err := dateParam(t.StartDate)
	if err != nil {
		return err
	}
	end, err := dateParam(t.EndDate)
	if err != nil {
		return err
	}
	t.ID = uuid.New()
	err = connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO treatments (id, entry_id, type, description, medication, dose, frequency, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		t.ID, t.EntryID, t.Type, t.Description, t.Medication, t.Dose, t.Frequency, start, end,
	).Scan(&t.CreatedAt)
	if db.IsForeignKeyViolation(err) {
		return ErrEntryNotFound
	}
	return err
}

func (r *treatmentRepoPG) ListByEntries(ctx context.Context, entryIDs []uuid.UUID) ([]*Treatment, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT id, entry_id, type, description, medication, dose, frequency, start_date, end_date, created_at
		FROM treatments WHERE entry_id = ANY($1)
		ORDER BY created_at, id`, entryIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Treatment
	for rows.Next() {
		var (
			t          Treatment
			start, end pgtype.Date
		)
		if err := rows.Scan(&t.ID, &t.EntryID, &t.Type, &t.Description, &t.Medication, &t.Dose,
			&t.Frequency, &start, &end, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.StartDate = dateString(start)
		t.EndDate = dateString(end)
		items = append(items, &t)
	}
	return items, rows.Err()
}
