// Package auth implements self-hosted user accounts with JWT access tokens,
// invite-code gated registration and mail-based verification and password
// reset flows.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"nendo-server/internal/config"
	"nendo-server/internal/domain"
	"nendo-server/internal/logging"
	"nendo-server/internal/postgres"
)

// Emailer sends the verification and password-reset mails.
type Emailer interface {
	SendVerification(ctx context.Context, to, link string) error
	SendPasswordReset(ctx context.Context, to, link string) error
}

// Service handles the account lifecycle. The onRegister hook runs after a
// successful registration and is used to set up storage and workers for the
// new user.
type Service struct {
	cfg        config.AuthConfig
	lib        *postgres.Library
	emailer    Emailer
	onRegister func(user *domain.User)
}

func NewService(cfg config.AuthConfig, lib *postgres.Library, emailer Emailer, onRegister func(*domain.User)) *Service {
	return &Service{cfg: cfg, lib: lib, emailer: emailer, onRegister: onRegister}
}

// Validation errors surfaced to clients as 400s.
var (
	ErrWeakPassword = errors.New("password must be at least 8 characters")
	ErrInvalidEmail = errors.New("invalid email address")
)

// Register creates a new account. When invite codes are required the given
// code must be unclaimed, and claiming it is tied to the registered email.
func (s *Service) Register(ctx context.Context, email, password, inviteCode string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}
	if s.cfg.RequireInviteCode {
		if err := s.lib.ClaimInviteCode(ctx, inviteCode, email); err != nil {
			return nil, err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.lib.CreateUser(ctx, &domain.User{
		Email:          email,
		HashedPassword: string(hash),
		IsActive:       true,
	})
	if err != nil {
		return nil, err
	}
	logging.Info("user registered", "user_id", user.ID, "email", user.Email)

	if s.onRegister != nil {
		s.onRegister(user)
	}
	return user, nil
}

// Login verifies the credentials and returns a bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.lib.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.ErrInvalidCredentials
		}
		return "", err
	}
	if !user.IsActive {
		return "", domain.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)) != nil {
		return "", domain.ErrInvalidCredentials
	}
	return s.signToken(user.ID, purposeAccess, s.cfg.TokenExpiry.Std())
}

// Authenticate resolves a bearer token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	userID, err := s.parseToken(token, purposeAccess)
	if err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	user, err := s.lib.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, domain.ErrInvalidCredentials
	}
	return user, nil
}

// RequestVerifyToken mails a verification link. Unknown or already verified
// addresses are ignored so the endpoint leaks no account information.
func (s *Service) RequestVerifyToken(ctx context.Context, email string) error {
	user, err := s.lib.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if user.IsVerified {
		return nil
	}
	token, err := s.signToken(user.ID, purposeVerify, s.cfg.VerifyTokenExpiry.Std())
	if err != nil {
		return err
	}
	link := s.cfg.VerifyURLPublic + "?token=" + token
	return s.emailer.SendVerification(ctx, user.Email, link)
}

// Verify marks the token's user as verified.
func (s *Service) Verify(ctx context.Context, token string) (*domain.User, error) {
	userID, err := s.parseToken(token, purposeVerify)
	if err != nil {
		return nil, domain.ErrInvalidCredentials
	}
	user, err := s.lib.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.IsVerified {
		user.IsVerified = true
		if err := s.lib.UpdateUser(ctx, user); err != nil {
			return nil, err
		}
		logging.Info("user verified", "user_id", user.ID)
	}
	return user, nil
}

// ForgotPassword mails a reset link, silently ignoring unknown addresses.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.lib.UserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	token, err := s.signToken(user.ID, purposeReset, s.cfg.ResetTokenExpiry.Std())
	if err != nil {
		return err
	}
	link := s.cfg.PasswordResetURL + "?token=" + token
	return s.emailer.SendPasswordReset(ctx, user.Email, link)
}

// ResetPassword sets a new password for the token's user.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	userID, err := s.parseToken(token, purposeReset)
	if err != nil {
		return domain.ErrInvalidCredentials
	}
	if len(password) < 8 {
		return ErrWeakPassword
	}
	user, err := s.lib.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.HashedPassword = string(hash)
	if err := s.lib.UpdateUser(ctx, user); err != nil {
		return err
	}
	logging.Info("password reset", "user_id", user.ID)
	return nil
}

// UpdateProfile applies the allowed self-service changes to an account.
func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, password *string) (*domain.User, error) {
	user, err := s.lib.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if password != nil {
		if len(*password) < 8 {
			return nil, ErrWeakPassword
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		user.HashedPassword = string(hash)
	}
	if err := s.lib.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// VerifiedRequired reports whether unverified users must be rejected.
func (s *Service) VerifiedRequired() bool { return !s.cfg.DisableVerifyGate }
