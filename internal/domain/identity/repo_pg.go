package identity

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

const dateLayout = "2006-01-02"

// -- User Repository --

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository { return &userRepoPG{pool: pool} }

func (r *userRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const userSelect = `SELECT u.id, u.email, u.password_hash, u.first_name, u.last_name, u.phone, u.kind,
	u.enabled, u.email_verified, u.suspended_until, u.created_at, u.updated_at,
	p.birth_date, p.gender, p.address, p.blood_type,
	pr.medical_license, pr.specialty, pr.biography, pr.consultation_fee,
	ARRAY(SELECT ur.role_name FROM user_roles ur WHERE ur.user_id = u.id ORDER BY ur.role_name)
	FROM users u
	LEFT JOIN patients p ON p.user_id = u.id
	LEFT JOIN professionals pr ON pr.user_id = u.id`

func (r *userRepoPG) scanUser(row pgx.Row) (*User, error) {
	var (
		u         User
		birthDate pgtype.Date
		pat       PatientProfile
		license   *string
		specialty *string
		prof      ProfessionalProfile
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Phone, &u.Kind,
		&u.Enabled, &u.EmailVerified, &u.SuspendedUntil, &u.CreatedAt, &u.UpdatedAt,
		&birthDate, &pat.Gender, &pat.Address, &pat.BloodType,
		&license, &specialty, &prof.Biography, &prof.ConsultationFee,
		&u.Roles)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	switch u.Kind {
	case KindPatient:
		if birthDate.Valid {
			s := birthDate.Time.Format(dateLayout)
			pat.BirthDate = &s
		}
		u.Patient = &pat
	case KindProfessional:
		if license != nil {
			prof.MedicalLicense = *license
		}
		if specialty != nil {
			prof.Specialty = *specialty
		}
		u.Professional = &prof
	}
	return &u, nil
}

func birthDateParam(p *PatientProfile) (pgtype.Date, error) {
	if p == nil || p.BirthDate == nil || *p.BirthDate == "" {
		return pgtype.Date{}, nil
	}
	t, err := time.Parse(dateLayout, *p.BirthDate)
	if err != nil {
		return pgtype.Date{}, fmt.Errorf("birth date: %w", err)
	}
	return pgtype.Date{Time: t, Valid: true}, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	c := r.conn(ctx)
	err := c.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, first_name, last_name, phone, kind,
			enabled, email_verified, suspended_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Phone, u.Kind,
		u.Enabled, u.EmailVerified, u.SuspendedUntil,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return err
	}

	for _, role := range u.Roles {
		if _, err := c.Exec(ctx, `INSERT INTO user_roles (user_id, role_name) VALUES ($1, $2)`, u.ID, role); err != nil {
			return fmt.Errorf("assign role %s: %w", role, err)
		}
	}
	return r.writeProfile(ctx, c, u)
}

func (r *userRepoPG) writeProfile(ctx context.Context, c queryable, u *User) error {
	switch {
	case u.Patient != nil:
		bd, err := birthDateParam(u.Patient)
		if err != nil {
			return err
		}
		_, err = c.Exec(ctx, `
			INSERT INTO patients (user_id, birth_date, gender, address, blood_type)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (user_id) DO UPDATE SET birth_date=EXCLUDED.birth_date, gender=EXCLUDED.gender,
				address=EXCLUDED.address, blood_type=EXCLUDED.blood_type`,
			u.ID, bd, u.Patient.Gender, u.Patient.Address, u.Patient.BloodType)
		return err
	case u.Professional != nil:
		_, err := c.Exec(ctx, `
			INSERT INTO professionals (user_id, medical_license, specialty, biography, consultation_fee)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (user_id) DO UPDATE SET medical_license=EXCLUDED.medical_license,
				specialty=EXCLUDED.specialty, biography=EXCLUDED.biography,
				consultation_fee=EXCLUDED.consultation_fee`,
			u.ID, u.Professional.MedicalLicense, u.Professional.Specialty,
			u.Professional.Biography, u.Professional.ConsultationFee)
		if db.IsUniqueViolation(err) {
			return ErrLicenseTaken
		}
		return err
	}
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, userSelect+` WHERE u.id = $1`, id))
}

func (r *userRepoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanUser(r.conn(ctx).QueryRow(ctx, userSelect+` WHERE u.email = $1`, email))
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	c := r.conn(ctx)
	err := c.QueryRow(ctx, `
		UPDATE users SET first_name=$2, last_name=$3, phone=$4, enabled=$5, email_verified=$6,
			suspended_until=$7, password_hash=$8, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		u.ID, u.FirstName, u.LastName, u.Phone, u.Enabled, u.EmailVerified, u.SuspendedUntil, u.PasswordHash,
	).Scan(&u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return r.writeProfile(ctx, c, u)
}

func (r *userRepoPG) List(ctx context.Context, kind Kind, limit, offset int) ([]*User, int, error) {
	where := ` WHERE ($1 = '' OR u.kind = $1)`
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users u`+where, string(kind)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, userSelect+where+` ORDER BY u.created_at DESC LIMIT $2 OFFSET $3`,
		string(kind), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *userRepoPG) SearchProfessionals(ctx context.Context, specialty string, limit, offset int) ([]*User, int, error) {
	where := ` WHERE u.kind = 'professional' AND u.enabled AND ($1 = '' OR pr.specialty ILIKE '%' || $1 || '%')`
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users u
		LEFT JOIN professionals pr ON pr.user_id = u.id`+where, specialty).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, userSelect+where+` ORDER BY u.last_name, u.first_name LIMIT $2 OFFSET $3`,
		specialty, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *userRepoPG) LicenseExists(ctx context.Context, license string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM professionals WHERE medical_license = $1)`, license).Scan(&exists)
	return exists, err
}

func (r *userRepoPG) Permissions(ctx context.Context, roles []string) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT permission_name FROM role_permissions
		WHERE role_name = ANY($1) ORDER BY permission_name`, roles)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *userRepoPG) collect(rows pgx.Rows) ([]*User, error) {
	defer rows.Close()
	var items []*User
	for rows.Next() {
		u, err := r.scanUser(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

// -- Verification Repository --

type verificationRepoPG struct{ pool *pgxpool.Pool }

func NewVerificationRepoPG(pool *pgxpool.Pool) VerificationRepository {
	return &verificationRepoPG{pool: pool}
}

func (r *verificationRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *verificationRepoPG) Replace(ctx context.Context, t *EmailVerificationToken) error {
	c := r.conn(ctx)
	if _, err := c.Exec(ctx, `DELETE FROM email_verification_tokens WHERE user_id = $1`, t.UserID); err != nil {
		return err
	}
	t.ID = uuid.New()
	return c.QueryRow(ctx, `
		INSERT INTO email_verification_tokens (id, user_id, code, expires_at, used)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		t.ID, t.UserID, t.Code, t.ExpiresAt, t.Used,
	).Scan(&t.CreatedAt)
}

func (r *verificationRepoPG) GetByUserAndCode(ctx context.Context, userID uuid.UUID, code string) (*EmailVerificationToken, error) {
	var t EmailVerificationToken
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, user_id, code, expires_at, used, created_at
		FROM email_verification_tokens
		WHERE user_id = $1 AND code = $2
		ORDER BY created_at DESC LIMIT 1`, userID, code,
	).Scan(&t.ID, &t.UserID, &t.Code, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *verificationRepoPG) MarkUsed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE email_verification_tokens SET used = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCodeNotFound
	}
	return nil
}
