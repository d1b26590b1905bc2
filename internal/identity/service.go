// Package identity reconciles external-provider identities onto
// canonical accounts. The canonical account id is a UUID; the legacy
// provider's subject ids are opaque strings that usually are not.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/durellwilson/sop-maker-sub002/internal/rbac"
	"github.com/durellwilson/sop-maker-sub002/internal/store"
)

// Assertion is a verified identity statement from an external
// provider. Subject must be non-empty; everything else is optional.
type Assertion struct {
	Subject string
	Email   string
	Name    string
	Avatar  string
	Role    string
}

var ErrEmptySubject = errors.New("empty subject id")

// AccountStore is the slice of the data store reconciliation needs.
type AccountStore interface {
	GetAccountByFirebaseUID(ctx context.Context, firebaseUID string) (store.Account, error)
	UpdateAccountProfile(ctx context.Context, accountID, email, name, avatarURL, role string) error
	UpsertIdentityMapping(ctx context.Context, firebaseUID, candidateID string) (string, error)
	InsertAccount(ctx context.Context, account store.Account) error
	GetAccountByID(ctx context.Context, accountID string) (store.Account, error)
}

type Service struct {
	store AccountStore
}

func NewService(accountStore AccountStore) *Service {
	return &Service{store: accountStore}
}

// Reconcile returns the canonical account for an external assertion,
// creating it on first sight and refreshing cached profile fields on
// every subsequent one. Calling it twice with the same subject always
// yields the same account id.
func (s *Service) Reconcile(ctx context.Context, assertion Assertion) (store.Account, error) {
	subject := strings.TrimSpace(assertion.Subject)
	if subject == "" {
		return store.Account{}, ErrEmptySubject
	}

	roleClaim := normalizeRoleClaim(assertion.Role)

	existing, err := s.store.GetAccountByFirebaseUID(ctx, subject)
	if err == nil {
		if err := s.store.UpdateAccountProfile(ctx, existing.ID, assertion.Email, assertion.Name, assertion.Avatar, roleClaim); err != nil {
			return store.Account{}, fmt.Errorf("refresh profile: %w", err)
		}
		return s.store.GetAccountByID(ctx, existing.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, fmt.Errorf("lookup account: %w", err)
	}

	accountID, err := s.canonicalID(ctx, subject)
	if err != nil {
		return store.Account{}, err
	}

	email := strings.TrimSpace(assertion.Email)
	if email == "" {
		email = subject + "@placeholder.sopmaker.local"
	}
	role := roleClaim
	if role == "" {
		role = string(rbac.RoleViewer)
	}

	account := store.Account{
		ID:          accountID,
		FirebaseUID: subject,
		Email:       email,
		Name:        strings.TrimSpace(assertion.Name),
		AvatarURL:   strings.TrimSpace(assertion.Avatar),
		Role:        role,
	}
	if err := s.store.InsertAccount(ctx, account); err != nil {
		// A concurrent first sign-in may have won the insert; the
		// unique firebase_uid constraint means the account now exists.
		if store.IsUniqueViolation(err) {
			return s.store.GetAccountByFirebaseUID(ctx, subject)
		}
		return store.Account{}, fmt.Errorf("create account: %w", err)
	}

	account.CreatedAt = time.Now()
	account.UpdatedAt = account.CreatedAt
	return account, nil
}

// canonicalID adopts the subject directly when it is already a UUID;
// otherwise the mapping table assigns (and remembers) one.
func (s *Service) canonicalID(ctx context.Context, subject string) (string, error) {
	if parsed, err := uuid.Parse(subject); err == nil {
		return parsed.String(), nil
	}
	mapped, err := s.store.UpsertIdentityMapping(ctx, subject, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("map subject: %w", err)
	}
	return mapped, nil
}

func normalizeRoleClaim(claim string) string {
	switch strings.ToLower(strings.TrimSpace(claim)) {
	case "admin":
		return string(rbac.RoleAdmin)
	case "editor":
		return string(rbac.RoleEditor)
	case "viewer":
		return string(rbac.RoleViewer)
	default:
		// Unrecognized claims never grant anything.
		return ""
	}
}
