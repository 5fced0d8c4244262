package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medtech/clinic/internal/platform/apperr"
	"github.com/medtech/clinic/internal/platform/auth"
)

type Kind string

const (
	KindPatient      Kind = "patient"
	KindProfessional Kind = "professional"
	KindStaff        Kind = "staff"
)

const (
	PermAppointmentRead  = "appointment:read"
	PermAppointmentWrite = "appointment:write"
	PermAvailability     = "availability:write"
	PermRecordRead       = "record:read"
	PermRecordWrite      = "record:write"
	PermUserManage       = "user:manage"
)

// RolePermissions mirrors the role_permissions seed.
var RolePermissions = map[string][]string{
	auth.RoleAdmin: {
		PermAppointmentRead, PermAppointmentWrite, PermAvailability,
		PermRecordRead, PermRecordWrite, PermUserManage,
	},
	auth.RoleProfessional: {
		PermAppointmentRead, PermAppointmentWrite, PermAvailability,
		PermRecordRead, PermRecordWrite,
	},
	auth.RolePatient: {PermAppointmentRead, PermAppointmentWrite, PermRecordRead},
}

type User struct {
	ID             uuid.UUID            `db:"id" json:"id"`
	Email          string               `db:"email" json:"email"`
	PasswordHash   string               `db:"password_hash" json:"-"`
	FirstName      string               `db:"first_name" json:"firstName"`
	LastName       string               `db:"last_name" json:"lastName"`
	Phone          *string              `db:"phone" json:"phone,omitempty"`
	Kind           Kind                 `db:"kind" json:"kind"`
	Enabled        bool                 `db:"enabled" json:"enabled"`
	EmailVerified  bool                 `db:"email_verified" json:"emailVerified"`
	SuspendedUntil *time.Time           `db:"suspended_until" json:"suspendedUntil,omitempty"`
	Roles          []string             `json:"roles"`
	Patient        *PatientProfile      `json:"patient,omitempty"`
	Professional   *ProfessionalProfile `json:"professional,omitempty"`
	CreatedAt      time.Time            `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time            `db:"updated_at" json:"updatedAt"`
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Suspended reports whether the suspension is still running at now.
func (u *User) Suspended(now time.Time) bool {
	return u.SuspendedUntil != nil && u.SuspendedUntil.After(now)
}

// PatientProfile is the patient-only part of a user. BirthDate is yyyy-MM-dd.
type PatientProfile struct {
	BirthDate *string `db:"birth_date" json:"birthDate,omitempty"`
	Gender    *string `db:"gender" json:"gender,omitempty"`
	Address   *string `db:"address" json:"address,omitempty"`
	BloodType *string `db:"blood_type" json:"bloodType,omitempty"`
}

type ProfessionalProfile struct {
	MedicalLicense  string   `db:"medical_license" json:"medicalLicense"`
	Specialty       string   `db:"specialty" json:"specialty"`
	Biography       *string  `db:"biography" json:"biography,omitempty"`
	ConsultationFee *float64 `db:"consultation_fee" json:"consultationFee,omitempty"`
}

type EmailVerificationToken struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"userId"`
	Code      string    `db:"code" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	Used      bool      `db:"used" json:"used"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type RegisterPatientRequest struct {
	Email     string  `json:"email"`
	Password  string  `json:"password"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Phone     *string `json:"phone"`
	BirthDate *string `json:"birthDate"`
	Gender    *string `json:"gender"`
	Address   *string `json:"address"`
	BloodType *string `json:"bloodType"`
}

type CreateProfessionalRequest struct {
	Email           string   `json:"email"`
	Password        string   `json:"password"`
	FirstName       string   `json:"firstName"`
	LastName        string   `json:"lastName"`
	Phone           *string  `json:"phone"`
	MedicalLicense  string   `json:"medicalLicense"`
	Specialty       string   `json:"specialty"`
	Biography       *string  `json:"biography"`
	ConsultationFee *float64 `json:"consultationFee"`
}

// UpdateMeRequest is a partial profile update. Profile fields that do not
// belong to the caller's kind are rejected.
type UpdateMeRequest struct {
	FirstName       *string  `json:"firstName"`
	LastName        *string  `json:"lastName"`
	Phone           *string  `json:"phone"`
	BirthDate       *string  `json:"birthDate"`
	Gender          *string  `json:"gender"`
	Address         *string  `json:"address"`
	BloodType       *string  `json:"bloodType"`
	Specialty       *string  `json:"specialty"`
	Biography       *string  `json:"biography"`
	ConsultationFee *float64 `json:"consultationFee"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      *User     `json:"user"`
}

type SuspendRequest struct {
	Duration int    `json:"duration"`
	Unit     string `json:"unit"`
}

const (
	CodeEmailTaken   = "EMAIL-409"
	CodeLicenseTaken = "LICENSE-409"
)

var (
	ErrNotFound        = apperr.NotFound(apperr.CodeNotFound, "user not found")
	ErrInvalidLogin    = apperr.Unauthorized(apperr.CodeBadLogin, "invalid email or password")
	ErrDisabled        = apperr.Forbidden(apperr.CodeForbidden, "account is disabled")
	ErrSuspended       = apperr.Forbidden(apperr.CodeForbidden, "account is suspended")
	ErrEmailTaken      = apperr.Conflict(CodeEmailTaken, "email is already registered")
	ErrLicenseTaken    = apperr.Conflict(CodeLicenseTaken, "medical license is already registered")
	ErrCodeNotFound    = apperr.NotFound(apperr.CodeNotFound, "verification code not found")
	ErrCodeExpired     = apperr.Validation(apperr.CodeValidation, "verification code has expired")
	ErrCodeUsed        = apperr.Validation(apperr.CodeValidation, "verification code was already used")
	ErrAlreadyVerified = apperr.Conflict(apperr.CodeConflict, "email is already verified")
	ErrNotProfessional = apperr.NotFound(apperr.CodeNotFound, "professional not found")
	ErrInvalidUser     = apperr.Validation(apperr.CodeValidation, "invalid user data")
	ErrSuspendYourself = apperr.Conflict(apperr.CodeConflict, "administrators cannot suspend themselves")
)
