package identity

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/durellwilson/sop-maker-sub002/internal/store"
)

type fakeAccountStore struct {
	byUID    map[string]store.Account
	byID     map[string]store.Account
	mappings map[string]string

	inserted []store.Account
	updated  int
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{
		byUID:    make(map[string]store.Account),
		byID:     make(map[string]store.Account),
		mappings: make(map[string]string),
	}
}

func (f *fakeAccountStore) GetAccountByFirebaseUID(_ context.Context, firebaseUID string) (store.Account, error) {
	account, ok := f.byUID[firebaseUID]
	if !ok {
		return store.Account{}, sql.ErrNoRows
	}
	return account, nil
}

func (f *fakeAccountStore) GetAccountByID(_ context.Context, accountID string) (store.Account, error) {
	account, ok := f.byID[accountID]
	if !ok {
		return store.Account{}, sql.ErrNoRows
	}
	return account, nil
}

func (f *fakeAccountStore) UpdateAccountProfile(_ context.Context, accountID, email, name, avatarURL, role string) error {
	account, ok := f.byID[accountID]
	if !ok {
		return sql.ErrNoRows
	}
	if email != "" {
		account.Email = email
	}
	if name != "" {
		account.Name = name
	}
	if avatarURL != "" {
		account.AvatarURL = avatarURL
	}
	if role != "" {
		account.Role = role
	}
	f.byID[accountID] = account
	f.byUID[account.FirebaseUID] = account
	f.updated++
	return nil
}

func (f *fakeAccountStore) UpsertIdentityMapping(_ context.Context, firebaseUID, candidateID string) (string, error) {
	if existing, ok := f.mappings[firebaseUID]; ok {
		return existing, nil
	}
	f.mappings[firebaseUID] = candidateID
	return candidateID, nil
}

func (f *fakeAccountStore) InsertAccount(_ context.Context, account store.Account) error {
	if _, ok := f.byUID[account.FirebaseUID]; ok {
		return errors.New("duplicate firebase_uid")
	}
	f.byUID[account.FirebaseUID] = account
	f.byID[account.ID] = account
	f.inserted = append(f.inserted, account)
	return nil
}

func TestReconcileCreatesAccountOnFirstSight(t *testing.T) {
	fs := newFakeAccountStore()
	svc := NewService(fs)

	account, err := svc.Reconcile(context.Background(), Assertion{
		Subject: "firebase-abc",
		Email:   "avery@example.com",
		Name:    "Avery",
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, err := uuid.Parse(account.ID); err != nil {
		t.Fatalf("account id should be a UUID, got %q", account.ID)
	}
	if account.Role != "viewer" {
		t.Fatalf("default role should be viewer, got %q", account.Role)
	}
	if len(fs.inserted) != 1 {
		t.Fatalf("expected exactly one insert, got %d", len(fs.inserted))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	fs := newFakeAccountStore()
	svc := NewService(fs)

	first, err := svc.Reconcile(context.Background(), Assertion{Subject: "firebase-abc", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	second, err := svc.Reconcile(context.Background(), Assertion{Subject: "firebase-abc", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same subject must map to same account: %q vs %q", first.ID, second.ID)
	}
	if len(fs.inserted) != 1 {
		t.Fatalf("second sign-in must not insert, got %d inserts", len(fs.inserted))
	}
}

func TestReconcileRefreshesProfileFields(t *testing.T) {
	fs := newFakeAccountStore()
	svc := NewService(fs)

	if _, err := svc.Reconcile(context.Background(), Assertion{Subject: "firebase-abc", Email: "old@example.com", Name: "Old Name"}); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	account, err := svc.Reconcile(context.Background(), Assertion{Subject: "firebase-abc", Email: "new@example.com", Name: "New Name", Role: "editor"})
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if account.Email != "new@example.com" || account.Name != "New Name" {
		t.Fatalf("profile not refreshed: %+v", account)
	}
	if account.Role != "editor" {
		t.Fatalf("role claim should update role, got %q", account.Role)
	}
}

func TestReconcileAdoptsUUIDSubjectsDirectly(t *testing.T) {
	fs := newFakeAccountStore()
	svc := NewService(fs)

	subject := uuid.NewString()
	account, err := svc.Reconcile(context.Background(), Assertion{Subject: subject, Email: "a@example.com"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if account.ID != subject {
		t.Fatalf("UUID subject should become the canonical id, got %q", account.ID)
	}
	if len(fs.mappings) != 0 {
		t.Fatalf("no mapping row expected for UUID subjects")
	}
}

func TestReconcileMapsNonUUIDSubjectsStably(t *testing.T) {
	fs := newFakeAccountStore()
	svc := NewService(fs)

	first, err := svc.Reconcile(context.Background(), Assertion{Subject: "firebase-abc"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if fs.mappings["firebase-abc"] != first.ID {
		t.Fatalf("mapping should record canonical id")
	}
}

func TestReconcileFallsBackToPlaceholderEmail(t *testing.T) {
	fs := newFakeAccountStore()
	svc := NewService(fs)

	account, err := svc.Reconcile(context.Background(), Assertion{Subject: "firebase-abc"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if account.Email != "firebase-abc@placeholder.sopmaker.local" {
		t.Fatalf("expected placeholder email, got %q", account.Email)
	}
}

func TestReconcileRejectsEmptySubject(t *testing.T) {
	svc := NewService(newFakeAccountStore())
	if _, err := svc.Reconcile(context.Background(), Assertion{Subject: "   "}); !errors.Is(err, ErrEmptySubject) {
		t.Fatalf("expected ErrEmptySubject, got %v", err)
	}
}

func TestReconcileIgnoresUnrecognizedRoleClaim(t *testing.T) {
	fs := newFakeAccountStore()
	svc := NewService(fs)

	account, err := svc.Reconcile(context.Background(), Assertion{Subject: "firebase-abc", Role: "superuser"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if account.Role != "viewer" {
		t.Fatalf("unrecognized claim must not grant a role, got %q", account.Role)
	}
}
