// Package services contains server-side business logic. SessionService
// registers users, signs them in and out and rotates their tokens;
// AuthorizationGate decides per request whether an access token is still live.
package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/logging"
	"github.com/dmitrijs2005/shopkeeper/internal/server/auth"
	"github.com/dmitrijs2005/shopkeeper/internal/server/models"
	"github.com/dmitrijs2005/shopkeeper/internal/server/passwords"
	"github.com/dmitrijs2005/shopkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/shopkeeper/internal/server/repositories/users"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// RegisterInput is the profile of a new account. UserName defaults to Email.
type RegisterInput struct {
	Email       string
	UserName    string
	Password    string
	FirstName   string
	LastName    string
	PhoneNumber string
	DateOfBirth *time.Time
}

// Profile is a user together with its role names.
type Profile struct {
	User  *models.User
	Roles []string
}

// SessionService provides the session lifecycle:
//   - Register: create users with default roles
//   - Login: verify credentials, enforce lockout and mint a token pair
//   - Refresh: swap the single-slot refresh token and mint a new access token
//   - SignOut, ChangePassword, role changes: rotate the security stamp
//   - DeleteAccount: remove users that hold no protected role
type SessionService struct {
	repos     repomanager.RepositoryManager
	hasher    *passwords.Hasher
	signer    *auth.Signer
	opts      SessionOptions
	logger    logging.Logger
	recorder  Recorder
	validate  *validator.Validate
	now       func() time.Time
	dummyHash string
}

// NewSessionService wires the service to its store, hasher and signer.
func NewSessionService(m repomanager.RepositoryManager, h *passwords.Hasher, s *auth.Signer, opts SessionOptions, l logging.Logger) *SessionService {
	// verified against for unknown emails, so both paths cost one derivation
	dummy, _ := h.Hash(uuid.NewString())
	return &SessionService{
		repos:     m,
		hasher:    h,
		signer:    s,
		opts:      opts,
		logger:    l.With("module", "session_service"),
		recorder:  nopRecorder{},
		validate:  validator.New(),
		now:       time.Now,
		dummyHash: dummy,
	}
}

// WithRecorder sets the outcome recorder and returns s.
func (s *SessionService) WithRecorder(r Recorder) *SessionService {
	s.recorder = r
	return s
}

// Register validates in, then creates the user and assigns the default roles
// in one transaction. Field failures and duplicates are returned as
// *common.ValidationError (wrapping common.ErrorValidation or
// common.ErrorAlreadyExists respectively).
func (s *SessionService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if verr := s.validateRegistration(in); verr.HasErrors() {
		s.recorder.AuthEvent(EventRegister, OutcomeFailure)
		return nil, verr
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, s.fail(ctx, EventRegister, "hash password", err)
	}

	userName := strings.TrimSpace(in.UserName)
	if userName == "" {
		userName = strings.TrimSpace(in.Email)
	}
	stamp, err := newSecurityStamp(s.now())
	if err != nil {
		return nil, s.fail(ctx, EventRegister, "security stamp", err)
	}
	user := &models.User{
		ID:                 uuid.NewString(),
		Email:              strings.TrimSpace(in.Email),
		NormalizedEmail:    models.Normalize(in.Email),
		UserName:           userName,
		NormalizedUserName: models.Normalize(userName),
		PasswordHash:       hash,
		SecurityStamp:      stamp,
		ConcurrencyStamp:   uuid.NewString(),
		FirstName:          strings.TrimSpace(in.FirstName),
		LastName:           strings.TrimSpace(in.LastName),
		PhoneNumber:        strings.TrimSpace(in.PhoneNumber),
		DateOfBirth:        in.DateOfBirth,
	}

	err = s.repos.InTx(ctx, func(ctx context.Context, repo users.Repository) error {
		dup := &common.ValidationError{Err: common.ErrorAlreadyExists}
		if _, err := repo.FindByEmail(ctx, user.NormalizedEmail); err == nil {
			dup.Add("email", "is already taken")
		} else if !errors.Is(err, common.ErrorNotFound) {
			return err
		}
		if _, err := repo.FindByUserName(ctx, user.NormalizedUserName); err == nil {
			dup.Add("userName", "is already taken")
		} else if !errors.Is(err, common.ErrorNotFound) {
			return err
		}
		if dup.HasErrors() {
			return dup
		}

		if _, err := repo.Create(ctx, user); err != nil {
			if errors.Is(err, common.ErrorAlreadyExists) {
				return duplicateError(err)
			}
			return err
		}
		if len(s.opts.DefaultRoles) > 0 {
			return repo.AddToRoles(ctx, user.ID, s.opts.DefaultRoles)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, EventRegister, "create user", err)
	}

	s.recorder.AuthEvent(EventRegister, OutcomeSuccess)
	s.logger.Info(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

func (s *SessionService) validateRegistration(in RegisterInput) *common.ValidationError {
	verr := common.NewValidationError()
	if strings.TrimSpace(in.Email) == "" {
		verr.Add("email", "is required")
	} else if s.validate.Var(strings.TrimSpace(in.Email), "email,max=256") != nil {
		verr.Add("email", "must be a valid email address")
	}
	if len(strings.TrimSpace(in.UserName)) > 256 {
		verr.Add("userName", "must be at most 256 characters")
	}
	if msg := checkPassword(in.Password); msg != "" {
		verr.Add("password", msg)
	}
	if in.DateOfBirth != nil && in.DateOfBirth.After(s.now()) {
		verr.Add("dateOfBirth", "must be in the past")
	}
	return verr
}

// Login signs a user in by email and password. Unknown emails and wrong
// passwords both yield common.ErrorUnauthorized; an active lockout yields
// common.ErrorLockedOut whatever the password.
func (s *SessionService) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	repo := s.repos.Users()

	user, err := repo.FindByEmail(ctx, models.Normalize(email))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			_, _, _ = s.hasher.Verify(s.dummyHash, password)
			s.recorder.AuthEvent(EventLogin, OutcomeFailure)
			return nil, common.ErrorUnauthorized
		}
		return nil, s.fail(ctx, EventLogin, "find user", err)
	}

	if user.IsLockedOut(s.now()) {
		s.recorder.AuthEvent(EventLogin, OutcomeLockedOut)
		return nil, common.ErrorLockedOut
	}

	verifiedHash := user.PasswordHash
	ok, needsUpgrade, err := s.hasher.Verify(verifiedHash, password)
	if err != nil {
		return nil, s.fail(ctx, EventLogin, "verify password", err)
	}
	if !ok {
		if err := s.recordFailure(ctx, repo, user.ID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return nil, s.fail(ctx, EventLogin, "record failure", err)
		}
		s.recorder.AuthEvent(EventLogin, OutcomeFailure)
		return nil, common.ErrorUnauthorized
	}

	upgraded := ""
	if needsUpgrade {
		if upgraded, err = s.hasher.Hash(password); err != nil {
			return nil, s.fail(ctx, EventLogin, "rehash password", err)
		}
	}

	refresh, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, s.fail(ctx, EventLogin, "refresh token", err)
	}

	user, err = s.mutate(ctx, repo, user.ID, func(u *models.User) error {
		now := s.now()
		if u.IsLockedOut(now) {
			return common.ErrorLockedOut
		}
		if u.PasswordHash != verifiedHash {
			// password changed since it was verified
			return common.ErrorUnauthorized
		}
		if upgraded != "" {
			u.PasswordHash = upgraded
		}
		stamp, err := newSecurityStamp(now)
		if err != nil {
			return err
		}
		u.AccessFailedCount = 0
		u.LockoutEnd = nil
		u.SecurityStamp = stamp
		exp := now.Add(s.opts.RefreshTokenTTL)
		u.RefreshToken = &refresh
		u.RefreshTokenExpiration = &exp
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, EventLogin, "sign in", err)
	}

	roles, err := repo.GetRoles(ctx, user.ID)
	if err != nil {
		return nil, s.fail(ctx, EventLogin, "load roles", err)
	}
	access, err := s.signer.IssueAccessToken(userClaims(user, roles), s.opts.AccessTokenTTL)
	if err != nil {
		return nil, s.fail(ctx, EventLogin, "issue access token", err)
	}

	s.recorder.AuthEvent(EventLogin, OutcomeSuccess)
	s.logger.Info(ctx, "user signed in", "user_id", user.ID, "rehashed", upgraded != "")
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// recordFailure counts one failed sign-in and starts a lockout once the
// threshold is reached. A count left over from an expired lockout starts over.
func (s *SessionService) recordFailure(ctx context.Context, repo users.Repository, userID string) error {
	if s.opts.MaxFailedAccessAttempts <= 0 {
		return nil
	}
	_, err := s.mutate(ctx, repo, userID, func(u *models.User) error {
		now := s.now()
		if u.LockoutEnd != nil && !u.LockoutEnd.After(now) {
			u.AccessFailedCount = 0
			u.LockoutEnd = nil
		}
		u.AccessFailedCount++
		if u.AccessFailedCount >= s.opts.MaxFailedAccessAttempts && u.LockoutEnd == nil {
			end := now.Add(s.opts.LockoutDuration)
			u.LockoutEnd = &end
			s.logger.Warn(ctx, "user locked out", "user_id", u.ID, "until", end)
		}
		return nil
	})
	return err
}

// Refresh exchanges a (possibly expired) access token and the current refresh
// token for a new pair. The stored refresh token must exist, be unexpired and
// match; it is swapped atomically so a token can be redeemed only once. The
// new access token carries the claims of the presented one.
func (s *SessionService) Refresh(ctx context.Context, accessToken, refreshToken string) (*TokenPair, error) {
	claims, err := s.signer.ValidateAccessToken(accessToken)
	if err != nil || claims.Subject() == "" || refreshToken == "" {
		s.recorder.AuthEvent(EventRefresh, OutcomeFailure)
		return nil, common.ErrorUnauthorized
	}

	repo := s.repos.Users()
	user, err := repo.FindByID(ctx, claims.Subject())
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.recorder.AuthEvent(EventRefresh, OutcomeFailure)
			return nil, common.ErrorUnauthorized
		}
		return nil, s.fail(ctx, EventRefresh, "find user", err)
	}

	now := s.now()
	if user.RefreshToken == nil ||
		user.RefreshTokenExpiration == nil ||
		!user.RefreshTokenExpiration.After(now) ||
		subtle.ConstantTimeCompare([]byte(*user.RefreshToken), []byte(refreshToken)) != 1 ||
		user.IsLockedOut(now) {
		s.recorder.AuthEvent(EventRefresh, OutcomeFailure)
		return nil, common.ErrorUnauthorized
	}

	next, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, s.fail(ctx, EventRefresh, "refresh token", err)
	}
	err = repo.ReplaceRefreshToken(ctx, user.ID, refreshToken, next, now.Add(s.opts.RefreshTokenTTL))
	if err != nil {
		if errors.Is(err, common.ErrConcurrencyConflict) {
			// someone else redeemed it first
			s.recorder.AuthEvent(EventRefresh, OutcomeFailure)
			return nil, common.ErrorUnauthorized
		}
		return nil, s.fail(ctx, EventRefresh, "swap refresh token", err)
	}

	access, err := s.signer.IssueAccessToken(claims, s.opts.AccessTokenTTL)
	if err != nil {
		return nil, s.fail(ctx, EventRefresh, "issue access token", err)
	}

	s.recorder.AuthEvent(EventRefresh, OutcomeSuccess)
	return &TokenPair{AccessToken: access, RefreshToken: next}, nil
}

// SignOut clears the refresh token and rotates the security stamp, which
// revokes every access token issued so far.
func (s *SessionService) SignOut(ctx context.Context, userID string) error {
	_, err := s.mutate(ctx, s.repos.Users(), userID, func(u *models.User) error {
		stamp, err := newSecurityStamp(s.now())
		if err != nil {
			return err
		}
		u.RefreshToken = nil
		u.RefreshTokenExpiration = nil
		u.SecurityStamp = stamp
		return nil
	})
	if err != nil {
		return s.fail(ctx, EventSignOut, "sign out", err)
	}
	s.recorder.AuthEvent(EventSignOut, OutcomeSuccess)
	s.logger.Info(ctx, "user signed out", "user_id", userID)
	return nil
}

// DeleteAccount removes the user unless it holds a protected role, in which
// case common.ErrorForbidden is returned and nothing changes.
func (s *SessionService) DeleteAccount(ctx context.Context, userID string) error {
	err := s.retry(ctx, userID, func() error {
		return s.repos.InTx(ctx, func(ctx context.Context, repo users.Repository) error {
			user, err := repo.FindByID(ctx, userID)
			if err != nil {
				return err
			}
			roles, err := repo.GetRoles(ctx, user.ID)
			if err != nil {
				return err
			}
			if s.holdsProtectedRole(roles) {
				return common.ErrorForbidden
			}
			return repo.Delete(ctx, user)
		})
	})
	if err != nil {
		return s.fail(ctx, EventDeleteAccount, "delete account", err)
	}
	s.recorder.AuthEvent(EventDeleteAccount, OutcomeSuccess)
	s.logger.Info(ctx, "user deleted", "user_id", userID)
	return nil
}

func (s *SessionService) holdsProtectedRole(roles []string) bool {
	for _, r := range roles {
		for _, p := range s.opts.ProtectedRoles {
			if models.Normalize(r) == models.Normalize(p) {
				return true
			}
		}
	}
	return false
}

// ChangePassword replaces the password after checking the current one, then
// rotates the security stamp and clears the refresh token.
func (s *SessionService) ChangePassword(ctx context.Context, userID, current, next string) error {
	if msg := checkPassword(next); msg != "" {
		s.recorder.AuthEvent(EventChangePassword, OutcomeFailure)
		return common.NewValidationError(common.FieldError{Field: "newPassword", Message: msg})
	}

	repo := s.repos.Users()
	user, err := repo.FindByID(ctx, userID)
	if err != nil {
		return s.fail(ctx, EventChangePassword, "find user", err)
	}
	verifiedHash := user.PasswordHash
	ok, _, err := s.hasher.Verify(verifiedHash, current)
	if err != nil {
		return s.fail(ctx, EventChangePassword, "verify password", err)
	}
	if !ok {
		s.recorder.AuthEvent(EventChangePassword, OutcomeFailure)
		return common.ErrorUnauthorized
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return s.fail(ctx, EventChangePassword, "hash password", err)
	}
	_, err = s.mutate(ctx, repo, userID, func(u *models.User) error {
		if u.PasswordHash != verifiedHash {
			return common.ErrorUnauthorized
		}
		stamp, err := newSecurityStamp(s.now())
		if err != nil {
			return err
		}
		u.PasswordHash = hash
		u.SecurityStamp = stamp
		u.RefreshToken = nil
		u.RefreshTokenExpiration = nil
		return nil
	})
	if err != nil {
		return s.fail(ctx, EventChangePassword, "store password", err)
	}

	s.recorder.AuthEvent(EventChangePassword, OutcomeSuccess)
	s.logger.Info(ctx, "password changed", "user_id", userID)
	return nil
}

// AddToRoles grants roles, rotates the security stamp and clears the refresh
// token so the user signs in again with the new role claims.
func (s *SessionService) AddToRoles(ctx context.Context, userID string, roles []string) error {
	return s.changeRoles(ctx, userID, roles, users.Repository.AddToRoles)
}

// RemoveFromRoles revokes roles, rotates the security stamp and clears the
// refresh token.
func (s *SessionService) RemoveFromRoles(ctx context.Context, userID string, roles []string) error {
	return s.changeRoles(ctx, userID, roles, users.Repository.RemoveFromRoles)
}

func (s *SessionService) changeRoles(ctx context.Context, userID string, roles []string,
	apply func(users.Repository, context.Context, string, []string) error) error {
	if len(roles) == 0 {
		return common.NewValidationError(common.FieldError{Field: "roles", Message: "is required"})
	}
	err := s.repos.InTx(ctx, func(ctx context.Context, repo users.Repository) error {
		if _, err := repo.FindByID(ctx, userID); err != nil {
			return err
		}
		if err := apply(repo, ctx, userID, roles); err != nil {
			return err
		}
		_, err := s.mutate(ctx, repo, userID, func(u *models.User) error {
			stamp, err := newSecurityStamp(s.now())
			if err != nil {
				return err
			}
			u.SecurityStamp = stamp
			u.RefreshToken = nil
			u.RefreshTokenExpiration = nil
			return nil
		})
		return err
	})
	if err != nil {
		return s.fail(ctx, EventRoleChange, "change roles", err)
	}
	s.recorder.AuthEvent(EventRoleChange, OutcomeSuccess)
	s.logger.Info(ctx, "roles changed", "user_id", userID, "roles", roles)
	return nil
}

// Profile returns the user and its role names.
func (s *SessionService) Profile(ctx context.Context, userID string) (*Profile, error) {
	repo := s.repos.Users()
	user, err := repo.FindByID(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, "profile", "find user", err)
	}
	roles, err := repo.GetRoles(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, "profile", "load roles", err)
	}
	return &Profile{User: user, Roles: roles}, nil
}

// mutate re-reads the user, applies fn and writes it back, retrying on a
// stale concurrency stamp up to ConcurrencyRetries times.
func (s *SessionService) mutate(ctx context.Context, repo users.Repository, userID string, fn func(u *models.User) error) (*models.User, error) {
	for attempt := 0; ; attempt++ {
		u, err := repo.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := fn(u); err != nil {
			return nil, err
		}
		err = repo.Update(ctx, u)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, common.ErrConcurrencyConflict) || attempt >= s.opts.ConcurrencyRetries {
			return nil, err
		}
		s.logger.Debug(ctx, "stale concurrency stamp, retrying", "user_id", userID, "attempt", attempt+1)
	}
}

// retry repeats fn while it fails with a concurrency conflict.
func (s *SessionService) retry(ctx context.Context, userID string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, common.ErrConcurrencyConflict) || attempt >= s.opts.ConcurrencyRetries {
			return err
		}
		s.logger.Debug(ctx, "stale concurrency stamp, retrying", "user_id", userID, "attempt", attempt+1)
	}
}

// fail records the outcome of a failed operation and maps err onto the
// public error set. Unexpected errors are logged and become common.ErrorInternal.
func (s *SessionService) fail(ctx context.Context, event, op string, err error) error {
	switch {
	case errors.Is(err, common.ErrConcurrencyConflict):
		s.recorder.AuthEvent(event, OutcomeConflict)
		s.logger.Warn(ctx, "concurrency retries exhausted", "op", op)
		return common.ErrConcurrencyConflict
	case errors.Is(err, common.ErrorLockedOut):
		s.recorder.AuthEvent(event, OutcomeLockedOut)
		return err
	case errors.Is(err, common.ErrorNotFound),
		errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrorForbidden),
		errors.Is(err, common.ErrorValidation),
		errors.Is(err, common.ErrorAlreadyExists):
		s.recorder.AuthEvent(event, OutcomeFailure)
		return err
	default:
		s.recorder.AuthEvent(event, OutcomeError)
		s.logger.Error(ctx, "session operation failed", "op", op, "error", err)
		return common.ErrorInternal
	}
}

// duplicateError turns a unique-constraint failure into a field error.
func duplicateError(err error) *common.ValidationError {
	dup := &common.ValidationError{Err: common.ErrorAlreadyExists}
	switch {
	case strings.Contains(err.Error(), users.ConstraintUserName):
		dup.Add("userName", "is already taken")
	default:
		dup.Add("email", "is already taken")
	}
	return dup
}

func checkPassword(p string) string {
	switch {
	case p == "":
		return "is required"
	case len(p) < 6:
		return "must be at least 6 characters"
	case len(p) > 128:
		return "must be at most 128 characters"
	}
	return ""
}

// newSecurityStamp returns a fresh ULID drawn from crypto/rand.
func newSecurityStamp(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("security stamp: %w", err)
	}
	return id.String(), nil
}

// userClaims builds the token view of a user.
func userClaims(u *models.User, roles []string) auth.ClaimSet {
	c := auth.ClaimSet{
		{Type: auth.ClaimSubject, Value: u.ID},
		{Type: auth.ClaimName, Value: u.UserName},
		{Type: auth.ClaimEmail, Value: u.Email},
		{Type: auth.ClaimSecurityStamp, Value: u.SecurityStamp},
		{Type: auth.ClaimConcurrencyStamp, Value: u.ConcurrencyStamp},
	}
	if u.FirstName != "" {
		c = append(c, auth.Claim{Type: auth.ClaimGivenName, Value: u.FirstName})
	}
	if u.LastName != "" {
		c = append(c, auth.Claim{Type: auth.ClaimFamilyName, Value: u.LastName})
	}
	if u.PhoneNumber != "" {
		c = append(c, auth.Claim{Type: auth.ClaimPhoneNumber, Value: u.PhoneNumber})
	}
	if u.DateOfBirth != nil {
		c = append(c, auth.Claim{Type: auth.ClaimBirthdate, Value: u.DateOfBirth.Format(time.DateOnly)})
	}
	for _, r := range roles {
		c = append(c, auth.Claim{Type: auth.ClaimRole, Value: r})
	}
	return c
}
