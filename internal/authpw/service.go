// Package authpw provides email/password authentication with
// verification. This is the first-party primary credential; hosted
// deployments may front it with an external provider, in which case
// the legacy bearer path in internal/auth applies instead.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/durellwilson/sop-maker-sub002/internal/store"
)

// Service provides email/password authentication
type Service struct {
	store AccountStore
}

// AccountStore defines the storage interface for auth
type AccountStore interface {
	GetAccountByEmail(ctx context.Context, email string) (store.Account, error)
	GetAccountByID(ctx context.Context, id string) (store.Account, error)
	InsertAccount(ctx context.Context, account store.Account) error
	UpdateAccountVerificationToken(ctx context.Context, accountID, token string, expiresAt time.Time) error
	VerifyAccountEmail(ctx context.Context, token string) error
	UpdateAccountPassword(ctx context.Context, accountID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, accountID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
}

func NewService(accountStore AccountStore) *Service {
	return &Service{store: accountStore}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email    string
	Password string
	Name     string
}

// SignUpResponse contains sign-up result
type SignUpResponse struct {
	AccountID           string
	VerificationToken   string
	RequiresEmailVerify bool
}

// SignUp creates a new account
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return nil, errors.New("email, password, and name are required")
	}
	if len(req.Password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetAccountByEmail(ctx, req.Email); err == nil {
		return nil, errors.New("email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	verificationToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	account := store.Account{
		ID:                uuid.NewString(),
		Name:              req.Name,
		Email:             req.Email,
		PasswordHash:      string(hash),
		Role:              "viewer",
		IsEmailVerified:   false,
		VerificationToken: verificationToken,
	}
	if err := s.store.InsertAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	if err := s.store.UpdateAccountVerificationToken(ctx, account.ID, verificationToken, expiresAt); err != nil {
		return nil, fmt.Errorf("set verification expiry: %w", err)
	}

	return &SignUpResponse{
		AccountID:           account.ID,
		VerificationToken:   verificationToken,
		RequiresEmailVerify: true,
	}, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignInResponse contains sign-in result
type SignInResponse struct {
	Account        store.Account
	RequiresVerify bool
}

// SignIn authenticates an account
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, errors.New("email and password are required")
	}

	account, err := s.store.GetAccountByEmail(ctx, req.Email)
	if err != nil {
		return nil, errors.New("invalid email or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errors.New("invalid email or password")
	}

	if !account.IsEmailVerified {
		return &SignInResponse{Account: account, RequiresVerify: true}, nil
	}

	return &SignInResponse{Account: account, RequiresVerify: false}, nil
}

// VerifyEmail verifies an email address using a token
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("verification token required")
	}
	if err := s.store.VerifyAccountEmail(ctx, token); err != nil {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

// RequestPasswordReset creates a password reset token
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	account, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		// Don't reveal if email exists
		return "", nil
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().Add(1 * time.Hour)
	if err := s.store.CreatePasswordReset(ctx, account.ID, token, expiresAt); err != nil {
		return "", err
	}
	return token, nil
}

// ResetPasswordRequest contains password reset parameters
type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

// ResetPassword resets an account's password using a reset token
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if req.Token == "" || req.NewPassword == "" {
		return errors.New("token and new password are required")
	}
	if len(req.NewPassword) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	accountID, err := s.store.GetPasswordReset(ctx, req.Token)
	if err != nil {
		return errors.New("invalid or expired reset token")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.UpdateAccountPassword(ctx, accountID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	// Best effort; the password is already reset.
	_ = s.store.MarkPasswordResetUsed(ctx, req.Token)

	return nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
