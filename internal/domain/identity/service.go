package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medtech/clinic/internal/platform/apperr"
	"github.com/medtech/clinic/internal/platform/auth"
	"github.com/medtech/clinic/internal/platform/db"
	"github.com/medtech/clinic/internal/platform/notification"
	"github.com/medtech/clinic/internal/platform/validation"
)

const DefaultVerificationTTL = 15 * time.Minute

type Options struct {
	Hasher          *auth.PasswordHasher
	Issuer          *auth.TokenIssuer
	Revocations     auth.RevocationStore
	Notifier        *notification.Notifier
	VerificationTTL time.Duration
	Now             func() time.Time
	Logger          zerolog.Logger
}

type Service struct {
	users           UserRepository
	tokens          VerificationRepository
	tx              db.Transactor
	hasher          *auth.PasswordHasher
	issuer          *auth.TokenIssuer
	revocations     auth.RevocationStore
	notifier        *notification.Notifier
	verificationTTL time.Duration
	now             func() time.Time
	logger          zerolog.Logger
}

func NewService(users UserRepository, tokens VerificationRepository, tx db.Transactor, opts Options) *Service {
	s := &Service{
		users:           users,
		tokens:          tokens,
		tx:              tx,
		hasher:          opts.Hasher,
		issuer:          opts.Issuer,
		revocations:     opts.Revocations,
		notifier:        opts.Notifier,
		verificationTTL: opts.VerificationTTL,
		now:             opts.Now,
		logger:          opts.Logger,
	}
	if s.hasher == nil {
		s.hasher = auth.NewPasswordHasher(0)
	}
	if s.verificationTTL <= 0 {
		s.verificationTTL = DefaultVerificationTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func checkAccount(errs *validation.Errors, email, password, first, last string, phone *string) {
	errs.Check("email", email, "required,email,max=255")
	errs.Check("password", password, "required,min=8,max=72")
	errs.Check("firstName", strings.TrimSpace(first), "required,max=100")
	errs.Check("lastName", strings.TrimSpace(last), "required,max=100")
	if phone != nil && *phone != "" {
		errs.Check("phone", *phone, "phone")
	}
}

func checkBirthDate(errs *validation.Errors, birthDate *string, now time.Time) {
	if birthDate == nil || *birthDate == "" {
		return
	}
	t, err := time.Parse(dateLayout, *birthDate)
	if err != nil {
		errs.Add("birthDate", "must be a date in yyyy-MM-dd format")
		return
	}
	if t.After(now) {
		errs.Add("birthDate", "must be in the past")
	}
}

func checkFee(errs *validation.Errors, fee *float64) {
	if fee != nil && *fee < 0 {
		errs.Add("consultationFee", "must be greater than or equal to 0")
	}
}

// RegisterPatient creates an unverified patient account and emails it a
// verification code.
func (s *Service) RegisterPatient(ctx context.Context, req RegisterPatientRequest) (*User, error) {
	req.Email = validation.NormalizeEmail(req.Email)

	var errs validation.Errors
	checkAccount(&errs, req.Email, req.Password, req.FirstName, req.LastName, req.Phone)
	checkBirthDate(&errs, req.BirthDate, s.now())
	if req.Gender != nil && *req.Gender != "" {
		errs.Check("gender", *req.Gender, "oneof=male female other")
	}
	if err := errs.Err(apperr.CodeValidation, "invalid patient registration"); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	u := &User{
		Email:     req.Email,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Phone:     req.Phone,
		Kind:      KindPatient,
		Enabled:   true,
		Roles:     []string{auth.RolePatient},
		Patient: &PatientProfile{
			BirthDate: req.BirthDate,
			Gender:    req.Gender,
			Address:   req.Address,
			BloodType: req.BloodType,
		},
		PasswordHash: hash,
	}

	var token *EmailVerificationToken
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.ensureEmailFree(ctx, u.Email); err != nil {
			return err
		}
		if err := s.users.Create(ctx, u); err != nil {
			return err
		}
		token, err = s.issueCode(ctx, u.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", u.ID.String()).Msg("patient registered")
	s.sendVerification(ctx, u, token)
	return u, nil
}

func (s *Service) ensureEmailFree(ctx context.Context, email string) error {
	_, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return ErrEmailTaken
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}

// CreateProfessional creates a verified professional account. Admin only.
func (s *Service) CreateProfessional(ctx context.Context, req CreateProfessionalRequest) (*User, error) {
	if !auth.IsAdmin(ctx) {
		return nil, apperr.Forbidden(apperr.CodeForbidden, "only administrators can create professionals")
	}
	req.Email = validation.NormalizeEmail(req.Email)
	req.MedicalLicense = strings.TrimSpace(req.MedicalLicense)

	var errs validation.Errors
	checkAccount(&errs, req.Email, req.Password, req.FirstName, req.LastName, req.Phone)
	errs.Check("medicalLicense", req.MedicalLicense, "required,max=64")
	errs.Check("specialty", strings.TrimSpace(req.Specialty), "required,max=100")
	checkFee(&errs, req.ConsultationFee)
	if err := errs.Err(apperr.CodeValidation, "invalid professional"); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	u := &User{
		Email:         req.Email,
		FirstName:     strings.TrimSpace(req.FirstName),
		LastName:      strings.TrimSpace(req.LastName),
		Phone:         req.Phone,
		Kind:          KindProfessional,
		Enabled:       true,
		EmailVerified: true,
		Roles:         []string{auth.RoleProfessional},
		Professional: &ProfessionalProfile{
			MedicalLicense:  req.MedicalLicense,
			Specialty:       strings.TrimSpace(req.Specialty),
			Biography:       req.Biography,
			ConsultationFee: req.ConsultationFee,
		},
		PasswordHash: hash,
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.ensureEmailFree(ctx, u.Email); err != nil {
			return err
		}
		taken, err := s.users.LicenseExists(ctx, u.Professional.MedicalLicense)
		if err != nil {
			return err
		}
		if taken {
			return ErrLicenseTaken
		}
		return s.users.Create(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", u.ID.String()).Str("specialty", u.Professional.Specialty).Msg("professional created")
	s.notifier.Notify(ctx, notification.TemplateWelcome, u.Email, map[string]string{"name": u.FullName()})
	return u, nil
}

// Login checks credentials and issues an access token carrying the
// user's roles and permissions.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	email := validation.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return nil, ErrInvalidLogin
	}

	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidLogin
	}
	if err != nil {
		return nil, err
	}
	if !s.hasher.Compare(u.PasswordHash, req.Password) {
		s.logger.Warn().Str("user_id", u.ID.String()).Msg("failed login")
		return nil, ErrInvalidLogin
	}
	if !u.Enabled {
		return nil, ErrDisabled
	}
	if u.Suspended(s.now()) {
		return nil, ErrSuspended.WithDetails("suspended until " + u.SuspendedUntil.UTC().Format(time.RFC3339))
	}

	perms, err := s.users.Permissions(ctx, u.Roles)
	if err != nil {
		return nil, err
	}
	token, exp, err := s.issuer.Issue(auth.Principal{
		ID:          u.ID,
		Email:       u.Email,
		Roles:       u.Roles,
		Authorities: perms,
	})
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	return &AuthResult{Token: token, ExpiresAt: exp, User: u}, nil
}

// Logout revokes the token until it would have expired anyway.
func (s *Service) Logout(ctx context.Context, jti string, exp time.Time) error {
	if jti == "" {
		return apperr.Unauthorized(apperr.CodeUnauthorized, "no active session")
	}
	if s.revocations == nil {
		return nil
	}
	if err := s.revocations.Revoke(ctx, jti, exp); err != nil {
		return apperr.Wrap(err)
	}
	return nil
}

func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, userID)
}

// UpdateMe applies a partial profile update. Fields of the other kind's
// profile are rejected.
func (s *Service) UpdateMe(ctx context.Context, userID uuid.UUID, patch UpdateMeRequest) (*User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var errs validation.Errors
	if patch.FirstName != nil {
		errs.Check("firstName", strings.TrimSpace(*patch.FirstName), "required,max=100")
	}
	if patch.LastName != nil {
		errs.Check("lastName", strings.TrimSpace(*patch.LastName), "required,max=100")
	}
	if patch.Phone != nil && *patch.Phone != "" {
		errs.Check("phone", *patch.Phone, "phone")
	}
	patientFields := patch.BirthDate != nil || patch.Gender != nil || patch.Address != nil || patch.BloodType != nil
	professionalFields := patch.Specialty != nil || patch.Biography != nil || patch.ConsultationFee != nil
	if patientFields && u.Kind != KindPatient {
		errs.Add("patient", "fields only apply to patients")
	}
	if professionalFields && u.Kind != KindProfessional {
		errs.Add("professional", "fields only apply to professionals")
	}
	checkBirthDate(&errs, patch.BirthDate, s.now())
	if patch.Gender != nil && *patch.Gender != "" {
		errs.Check("gender", *patch.Gender, "oneof=male female other")
	}
	if patch.Specialty != nil {
		errs.Check("specialty", strings.TrimSpace(*patch.Specialty), "required,max=100")
	}
	checkFee(&errs, patch.ConsultationFee)
	if err := errs.Err(apperr.CodeValidation, "invalid profile update"); err != nil {
		return nil, err
	}

	if patch.FirstName != nil {
		u.FirstName = strings.TrimSpace(*patch.FirstName)
	}
	if patch.LastName != nil {
		u.LastName = strings.TrimSpace(*patch.LastName)
	}
	if patch.Phone != nil {
		u.Phone = patch.Phone
	}
	if p := u.Patient; p != nil {
		if patch.BirthDate != nil {
			p.BirthDate = patch.BirthDate
		}
		if patch.Gender != nil {
			p.Gender = patch.Gender
		}
		if patch.Address != nil {
			p.Address = patch.Address
		}
		if patch.BloodType != nil {
			p.BloodType = patch.BloodType
		}
	}
	if p := u.Professional; p != nil {
		if patch.Specialty != nil {
			p.Specialty = strings.TrimSpace(*patch.Specialty)
		}
		if patch.Biography != nil {
			p.Biography = patch.Biography
		}
		if patch.ConsultationFee != nil {
			p.ConsultationFee = patch.ConsultationFee
		}
	}

	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser returns any user to an admin and the caller's own account to
// everyone else.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	if !auth.ActsFor(ctx, id) {
		return nil, apperr.Forbidden(apperr.CodeForbidden, "cannot view another user")
	}
	return s.users.GetByID(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context, kind Kind, limit, offset int) ([]*User, int, error) {
	switch kind {
	case "", KindPatient, KindProfessional, KindStaff:
	default:
		return nil, 0, apperr.Validation(apperr.CodeParam, "invalid kind", string(kind))
	}
	items, total, err := s.users.List(ctx, kind, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*User{}
	}
	return items, total, nil
}

func (s *Service) GetProfessional(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotProfessional
	}
	if err != nil {
		return nil, err
	}
	if u.Kind != KindProfessional {
		return nil, ErrNotProfessional
	}
	return u, nil
}

func (s *Service) SearchProfessionals(ctx context.Context, specialty string, limit, offset int) ([]*User, int, error) {
	items, total, err := s.users.SearchProfessionals(ctx, strings.TrimSpace(specialty), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []*User{}
	}
	return items, total, nil
}

// suspensionEnd adds duration units to from. Months are calendar months.
func suspensionEnd(from time.Time, duration int, unit string) (time.Time, error) {
	if duration < 1 {
		return time.Time{}, apperr.Validation(apperr.CodeValidation, "invalid suspension", "duration: must be at least 1")
	}
	switch strings.ToUpper(unit) {
	case "HOURS":
		return from.Add(time.Duration(duration) * time.Hour), nil
	case "DAYS":
		return from.AddDate(0, 0, duration), nil
	case "WEEKS":
		return from.AddDate(0, 0, 7*duration), nil
	case "MONTHS":
		return from.AddDate(0, duration, 0), nil
	}
	return time.Time{}, apperr.Validation(apperr.CodeValidation, "invalid suspension",
		"unit: must be one of: HOURS, DAYS, WEEKS, MONTHS")
}

func (s *Service) Suspend(ctx context.Context, userID uuid.UUID, req SuspendRequest) (*User, error) {
	if !auth.IsAdmin(ctx) {
		return nil, apperr.Forbidden(apperr.CodeForbidden, "only administrators can suspend users")
	}
	if auth.UserIDFromContext(ctx) == userID {
		return nil, ErrSuspendYourself
	}
	until, err := suspensionEnd(s.now(), req.Duration, req.Unit)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	until = until.UTC()
	u.SuspendedUntil = &until
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Time("until", until).Msg("user suspended")
	return u, nil
}

// Activate lifts a suspension and re-enables the account.
func (s *Service) Activate(ctx context.Context, userID uuid.UUID) (*User, error) {
	if !auth.IsAdmin(ctx) {
		return nil, apperr.Forbidden(apperr.CodeForbidden, "only administrators can activate users")
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.SuspendedUntil = nil
	u.Enabled = true
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Msg("user activated")
	return u, nil
}

// VerifyEmail consumes a verification code. An unknown email is reported
// the same way as an unknown code.
func (s *Service) VerifyEmail(ctx context.Context, email, code string) (*User, error) {
	email = validation.NormalizeEmail(email)
	code = strings.TrimSpace(code)
	var errs validation.Errors
	errs.Check("email", email, "required,email")
	errs.Check("code", code, "required,len=6,numeric")
	if err := errs.Err(apperr.CodeValidation, "invalid verification request"); err != nil {
		return nil, err
	}

	var u *User
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		u, err = s.users.GetByEmail(ctx, email)
		if errors.Is(err, ErrNotFound) {
			return ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		t, err := s.tokens.GetByUserAndCode(ctx, u.ID, code)
		if err != nil {
			return err
		}
		if t.Used {
			return ErrCodeUsed
		}
		if !s.now().Before(t.ExpiresAt) {
			return ErrCodeExpired
		}
		if err := s.tokens.MarkUsed(ctx, t.ID); err != nil {
			return err
		}
		u.EmailVerified = true
		return s.users.Update(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", u.ID.String()).Msg("email verified")
	s.notifier.Notify(ctx, notification.TemplateWelcome, u.Email, map[string]string{"name": u.FullName()})
	return u, nil
}

// ResendVerification replaces any outstanding code with a fresh one.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = validation.NormalizeEmail(email)
	if !validation.Email(email) {
		return apperr.Validation(apperr.CodeValidation, "invalid verification request", "email: must be a valid email address")
	}
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return ErrAlreadyVerified
	}
	token, err := s.issueCode(ctx, u.ID)
	if err != nil {
		return err
	}
	s.sendVerification(ctx, u, token)
	return nil
}

// EnsureAdmin creates the administrator account when no user holds email.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (*User, bool, error) {
	email = validation.NormalizeEmail(email)
	existing, err := s.users.GetByEmail(ctx, email)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	var errs validation.Errors
	errs.Check("email", email, "required,email")
	errs.Check("password", password, "required,min=8,max=72")
	if err := errs.Err(apperr.CodeValidation, "invalid administrator"); err != nil {
		return nil, false, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, false, apperr.Wrap(err)
	}
	u := &User{
		Email:         email,
		PasswordHash:  hash,
		FirstName:     "System",
		LastName:      "Administrator",
		Kind:          KindStaff,
		Enabled:       true,
		EmailVerified: true,
		Roles:         []string{auth.RoleAdmin},
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, false, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Msg("administrator created")
	return u, true, nil
}

// Recipient resolves a user's address for outgoing mail.
func (s *Service) Recipient(ctx context.Context, id uuid.UUID) (notification.Recipient, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return notification.Recipient{}, err
	}
	return notification.Recipient{Email: u.Email, Name: u.FullName()}, nil
}

func (s *Service) issueCode(ctx context.Context, userID uuid.UUID) (*EmailVerificationToken, error) {
	code, err := newCode()
	if err != nil {
		return nil, apperr.Wrap(err)
	}
	t := &EmailVerificationToken{
		UserID:    userID,
		Code:      code,
		ExpiresAt: s.now().Add(s.verificationTTL),
	}
	if err := s.tokens.Replace(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) sendVerification(ctx context.Context, u *User, t *EmailVerificationToken) {
	s.notifier.Notify(ctx, notification.TemplateEmailVerification, u.Email, map[string]string{
		"name":           u.FullName(),
		"code":           t.Code,
		"expiry_minutes": strconv.Itoa(int(s.verificationTTL / time.Minute)),
	})
}

// newCode returns a uniformly random six digit code.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate verification code: %w", err)
	}
	return strconv.FormatInt(n.Int64()+100000, 10), nil
}
