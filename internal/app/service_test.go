package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/durellwilson/sop-maker-sub002/internal/auth"
	"github.com/durellwilson/sop-maker-sub002/internal/authz"
	"github.com/durellwilson/sop-maker-sub002/internal/config"
	"github.com/durellwilson/sop-maker-sub002/internal/identity"
	"github.com/durellwilson/sop-maker-sub002/internal/store"
)

type fakeStore struct {
	getAccountByIDFn          func(context.Context, string) (store.Account, error)
	getAccountByFirebaseUIDFn func(context.Context, string) (store.Account, error)
	upsertIdentityMappingFn   func(context.Context, string, string) (string, error)
	insertAccountFn           func(context.Context, store.Account) error

	listSOPsFn        func(context.Context, store.SOPFilter) ([]store.SOP, error)
	getSOPFn          func(context.Context, string) (store.SOP, error)
	insertSOPFn       func(context.Context, store.SOP) error
	updateSOPFn       func(context.Context, string, string, string, string, string) (store.SOP, error)
	setSOPPublishedFn func(context.Context, string, bool, string) (store.SOP, error)
	deleteSOPFn       func(context.Context, string) error
	sopOwnerFn        func(context.Context, string) (string, error)
	insertRevisionFn  func(context.Context, string, int, []byte, string) error

	listStepsFn     func(context.Context, string) ([]store.Step, error)
	insertStepFn    func(context.Context, store.Step, int) (store.Step, error)
	deleteStepFn    func(context.Context, string) error
	stepOwnershipFn func(context.Context, string) (store.StepOwnership, error)

	lookupRefreshSessionFn func(context.Context, string) (store.Account, error)

	listMediaFn      func(context.Context, string) ([]store.Media, error)
	getMediaFn       func(context.Context, string) (store.Media, error)
	insertMediaFn    func(context.Context, store.Media) error
	deleteMediaFn    func(context.Context, string) error
	mediaOwnershipFn func(context.Context, string) (store.MediaOwnership, error)
}

func (f *fakeStore) GetAccountByID(ctx context.Context, accountID string) (store.Account, error) {
	if f.getAccountByIDFn != nil {
		return f.getAccountByIDFn(ctx, accountID)
	}
	return store.Account{}, sql.ErrNoRows
}
func (f *fakeStore) GetAccountByFirebaseUID(ctx context.Context, firebaseUID string) (store.Account, error) {
	if f.getAccountByFirebaseUIDFn != nil {
		return f.getAccountByFirebaseUIDFn(ctx, firebaseUID)
	}
	return store.Account{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateAccountProfile(context.Context, string, string, string, string, string) error {
	return nil
}
func (f *fakeStore) UpsertIdentityMapping(ctx context.Context, firebaseUID, candidateID string) (string, error) {
	if f.upsertIdentityMappingFn != nil {
		return f.upsertIdentityMappingFn(ctx, firebaseUID, candidateID)
	}
	return candidateID, nil
}
func (f *fakeStore) InsertAccount(ctx context.Context, account store.Account) error {
	if f.insertAccountFn != nil {
		return f.insertAccountFn(ctx, account)
	}
	return nil
}

func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.Account, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.Account{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error         { return nil }
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) { return false, nil }

func (f *fakeStore) ListSOPs(ctx context.Context, filter store.SOPFilter) ([]store.SOP, error) {
	if f.listSOPsFn != nil {
		return f.listSOPsFn(ctx, filter)
	}
	return nil, nil
}
func (f *fakeStore) GetSOP(ctx context.Context, sopID string) (store.SOP, error) {
	if f.getSOPFn != nil {
		return f.getSOPFn(ctx, sopID)
	}
	return store.SOP{}, sql.ErrNoRows
}
func (f *fakeStore) InsertSOP(ctx context.Context, item store.SOP) error {
	if f.insertSOPFn != nil {
		return f.insertSOPFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) UpdateSOP(ctx context.Context, sopID, title, description, category, status string) (store.SOP, error) {
	if f.updateSOPFn != nil {
		return f.updateSOPFn(ctx, sopID, title, description, category, status)
	}
	return store.SOP{}, sql.ErrNoRows
}
func (f *fakeStore) SetSOPPublished(ctx context.Context, sopID string, published bool, status string) (store.SOP, error) {
	if f.setSOPPublishedFn != nil {
		return f.setSOPPublishedFn(ctx, sopID, published, status)
	}
	return store.SOP{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteSOP(ctx context.Context, sopID string) error {
	if f.deleteSOPFn != nil {
		return f.deleteSOPFn(ctx, sopID)
	}
	return nil
}
func (f *fakeStore) SOPOwner(ctx context.Context, sopID string) (string, error) {
	if f.sopOwnerFn != nil {
		return f.sopOwnerFn(ctx, sopID)
	}
	return "", sql.ErrNoRows
}
func (f *fakeStore) InsertRevision(ctx context.Context, sopID string, version int, snapshot json.RawMessage, editedBy string) error {
	if f.insertRevisionFn != nil {
		return f.insertRevisionFn(ctx, sopID, version, snapshot, editedBy)
	}
	return nil
}
func (f *fakeStore) ListRevisions(context.Context, string, int) ([]store.Revision, error) {
	return nil, nil
}

func (f *fakeStore) ListSteps(ctx context.Context, sopID string) ([]store.Step, error) {
	if f.listStepsFn != nil {
		return f.listStepsFn(ctx, sopID)
	}
	return nil, nil
}
func (f *fakeStore) GetStep(context.Context, string) (store.Step, error) {
	return store.Step{}, sql.ErrNoRows
}
func (f *fakeStore) InsertStep(ctx context.Context, step store.Step, orderIndex int) (store.Step, error) {
	if f.insertStepFn != nil {
		return f.insertStepFn(ctx, step, orderIndex)
	}
	return step, nil
}
func (f *fakeStore) UpdateStep(context.Context, string, string, string, string, string, string) (store.Step, error) {
	return store.Step{}, sql.ErrNoRows
}
func (f *fakeStore) MoveStep(context.Context, string, int) (store.Step, error) {
	return store.Step{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteStep(ctx context.Context, stepID string) error {
	if f.deleteStepFn != nil {
		return f.deleteStepFn(ctx, stepID)
	}
	return nil
}
func (f *fakeStore) StepOwnership(ctx context.Context, stepID string) (store.StepOwnership, error) {
	if f.stepOwnershipFn != nil {
		return f.stepOwnershipFn(ctx, stepID)
	}
	return store.StepOwnership{}, sql.ErrNoRows
}

func (f *fakeStore) ListMedia(ctx context.Context, stepID string) ([]store.Media, error) {
	if f.listMediaFn != nil {
		return f.listMediaFn(ctx, stepID)
	}
	return nil, nil
}
func (f *fakeStore) GetMedia(ctx context.Context, mediaID string) (store.Media, error) {
	if f.getMediaFn != nil {
		return f.getMediaFn(ctx, mediaID)
	}
	return store.Media{}, sql.ErrNoRows
}
func (f *fakeStore) InsertMedia(ctx context.Context, item store.Media) error {
	if f.insertMediaFn != nil {
		return f.insertMediaFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) UpdateMedia(context.Context, string, string, string) (store.Media, error) {
	return store.Media{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteMedia(ctx context.Context, mediaID string) error {
	if f.deleteMediaFn != nil {
		return f.deleteMediaFn(ctx, mediaID)
	}
	return nil
}
func (f *fakeStore) MediaOwnership(ctx context.Context, mediaID string) (store.MediaOwnership, error) {
	if f.mediaOwnershipFn != nil {
		return f.mediaOwnershipFn(ctx, mediaID)
	}
	return store.MediaOwnership{}, sql.ErrNoRows
}

func (f *fakeStore) InsertSOPView(context.Context, string, string) error { return nil }
func (f *fakeStore) ListNotifications(context.Context, string, int) ([]store.Notification, error) {
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeStorage struct {
	uploadFn   func(context.Context, string) (string, error)
	downloadFn func(context.Context, string) (string, error)
	removed    []string
}

func (f *fakeStorage) PresignUpload(ctx context.Context, key string) (string, error) {
	if f.uploadFn != nil {
		return f.uploadFn(ctx, key)
	}
	return "https://storage.test/upload/" + key, nil
}
func (f *fakeStorage) PresignDownload(ctx context.Context, key string) (string, error) {
	if f.downloadFn != nil {
		return f.downloadFn(ctx, key)
	}
	return "https://storage.test/download/" + key, nil
}
func (f *fakeStorage) Remove(_ context.Context, key string) error {
	f.removed = append(f.removed, key)
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret:    "test-secret",
			AccessTTL:      15 * time.Minute,
			RefreshTTL:     time.Hour,
			MaxUploadBytes: 1 << 20,
		},
		store:    fs,
		sessions: fs,
		guard:    authz.NewGuard(fs),
		identity: identity.NewService(fs),
	}
}

func TestCreateSOPDefaults(t *testing.T) {
	var inserted store.SOP
	fs := &fakeStore{
		insertSOPFn: func(_ context.Context, item store.SOP) error {
			inserted = item
			return nil
		},
		getSOPFn: func(_ context.Context, sopID string) (store.SOP, error) {
			if sopID != inserted.ID {
				return store.SOP{}, sql.ErrNoRows
			}
			return inserted, nil
		},
	}
	svc := newTestService(fs)
	session := Session{AccountID: "acct-1", Role: "viewer"}

	payload, err := svc.CreateSOP(context.Background(), session, "  Forklift inspection  ", "Daily checks", "safety")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inserted.Title != "Forklift inspection" {
		t.Fatalf("expected trimmed title, got %q", inserted.Title)
	}
	if inserted.CreatedBy != "acct-1" {
		t.Fatalf("expected createdBy acct-1, got %q", inserted.CreatedBy)
	}
	if inserted.Status != "draft" || inserted.Version != 1 {
		t.Fatalf("expected draft v1, got %s v%d", inserted.Status, inserted.Version)
	}
	if !strings.HasPrefix(inserted.ID, "sop_") {
		t.Fatalf("expected sop_ id prefix, got %q", inserted.ID)
	}
	if payload["title"] != "Forklift inspection" {
		t.Fatalf("unexpected payload title %v", payload["title"])
	}
}

func TestCreateSOPRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.CreateSOP(context.Background(), Session{AccountID: "acct-1"}, "   ", "", "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 domain error, got %v", err)
	}
}

func TestGetSOPHidesUnpublishedFromStrangers(t *testing.T) {
	fs := &fakeStore{
		getSOPFn: func(_ context.Context, sopID string) (store.SOP, error) {
			return store.SOP{ID: sopID, Title: "Draft procedure", CreatedBy: "acct-1", IsPublished: false}, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.GetSOP(context.Background(), Session{AccountID: "acct-2", Role: "viewer"}, "sop-1"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected not found for stranger, got %v", err)
	}
	if _, err := svc.GetSOP(context.Background(), Session{AccountID: "acct-1", Role: "viewer"}, "sop-1"); err != nil {
		t.Fatalf("owner should read own draft: %v", err)
	}
	if _, err := svc.GetSOP(context.Background(), Session{AccountID: "acct-3", Role: "editor"}, "sop-1"); err != nil {
		t.Fatalf("editor should read drafts: %v", err)
	}
}

func TestDeleteStepAuthorization(t *testing.T) {
	deleted := false
	fs := &fakeStore{
		stepOwnershipFn: func(_ context.Context, stepID string) (store.StepOwnership, error) {
			if stepID != "step-1" {
				return store.StepOwnership{}, sql.ErrNoRows
			}
			return store.StepOwnership{StepID: "step-1", SOPID: "sop-1", OwnerID: "acct-1"}, nil
		},
		deleteStepFn: func(context.Context, string) error {
			deleted = true
			return nil
		},
	}
	svc := newTestService(fs)

	if err := svc.DeleteStep(context.Background(), Session{AccountID: "acct-2", Role: "viewer"}, "step-1"); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("expected forbidden for non-owner viewer, got %v", err)
	}
	if deleted {
		t.Fatal("delete must not run when authorization fails")
	}
	if err := svc.DeleteStep(context.Background(), Session{AccountID: "acct-2", Role: "viewer"}, "step-missing"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected not found for missing step, got %v", err)
	}
	if err := svc.DeleteStep(context.Background(), Session{AccountID: "acct-1", Role: "viewer"}, "step-1"); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	if !deleted {
		t.Fatal("owner delete should reach the store")
	}
}

func TestUpdateSOPSnapshotsCurrentVersion(t *testing.T) {
	var snapVersion int
	var snapBody []byte
	var snapEditor string
	fs := &fakeStore{
		sopOwnerFn: func(context.Context, string) (string, error) { return "acct-1", nil },
		getSOPFn: func(_ context.Context, sopID string) (store.SOP, error) {
			return store.SOP{ID: sopID, Title: "Old title", CreatedBy: "acct-1", Version: 3, Status: "draft"}, nil
		},
		insertRevisionFn: func(_ context.Context, _ string, version int, snapshot []byte, editedBy string) error {
			snapVersion = version
			snapBody = snapshot
			snapEditor = editedBy
			return nil
		},
		updateSOPFn: func(_ context.Context, sopID, title, _, _, _ string) (store.SOP, error) {
			return store.SOP{ID: sopID, Title: title, CreatedBy: "acct-1", Version: 4, Status: "draft"}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.UpdateSOP(context.Background(), Session{AccountID: "acct-1", Role: "viewer", Name: "Ada"}, "sop-1", "New title", "", "", "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if snapVersion != 3 {
		t.Fatalf("snapshot should carry the pre-update version, got %d", snapVersion)
	}
	if !strings.Contains(string(snapBody), "Old title") {
		t.Fatalf("snapshot should hold the pre-update title, got %s", snapBody)
	}
	if snapEditor != "acct-1" {
		t.Fatalf("revision editor should be the account id, got %q", snapEditor)
	}
	if payload["version"] != 4 {
		t.Fatalf("expected bumped version, got %v", payload["version"])
	}
}

func TestUpdateSOPRejectsUnknownStatus(t *testing.T) {
	fs := &fakeStore{
		sopOwnerFn: func(context.Context, string) (string, error) { return "acct-1", nil },
	}
	svc := newTestService(fs)
	_, err := svc.UpdateSOP(context.Background(), Session{AccountID: "acct-1"}, "sop-1", "T", "", "", "retired")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown status, got %v", err)
	}
}

func TestCreateMediaUploadRejectsUnknownType(t *testing.T) {
	inserted := false
	fs := &fakeStore{
		stepOwnershipFn: func(context.Context, string) (store.StepOwnership, error) {
			return store.StepOwnership{StepID: "step-1", SOPID: "sop-1", OwnerID: "acct-1"}, nil
		},
		insertMediaFn: func(context.Context, store.Media) error {
			inserted = true
			return nil
		},
	}
	svc := newTestService(fs)
	svc.storage = &fakeStorage{}

	_, err := svc.CreateMediaUpload(context.Background(), Session{AccountID: "acct-1"}, "step-1", MediaUploadInput{
		Filename:    "notes.txt",
		ContentType: "text/plain",
		SizeBytes:   100,
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for text/plain, got %v", err)
	}
	if inserted {
		t.Fatal("rejected upload must not write a media row")
	}
}

func TestCreateMediaUploadPresignsAndRecords(t *testing.T) {
	var inserted store.Media
	fs := &fakeStore{
		stepOwnershipFn: func(context.Context, string) (store.StepOwnership, error) {
			return store.StepOwnership{StepID: "step-1", SOPID: "sop-1", OwnerID: "acct-1"}, nil
		},
		insertMediaFn: func(_ context.Context, item store.Media) error {
			inserted = item
			return nil
		},
		getMediaFn: func(_ context.Context, mediaID string) (store.Media, error) {
			if mediaID != inserted.ID {
				return store.Media{}, sql.ErrNoRows
			}
			return inserted, nil
		},
	}
	svc := newTestService(fs)
	svc.storage = &fakeStorage{}

	payload, err := svc.CreateMediaUpload(context.Background(), Session{AccountID: "acct-1"}, "step-1", MediaUploadInput{
		Filename:    "photo.JPG",
		ContentType: "image/jpeg",
		SizeBytes:   2048,
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if inserted.Type != "image" {
		t.Fatalf("expected image type, got %q", inserted.Type)
	}
	if !strings.HasPrefix(inserted.StorageKey, "users/acct-1/sops/sop-1/steps/step-1/") {
		t.Fatalf("unexpected storage key %q", inserted.StorageKey)
	}
	uploadURL, _ := payload["uploadUrl"].(string)
	if !strings.HasPrefix(uploadURL, "https://storage.test/upload/") {
		t.Fatalf("expected presigned upload url, got %v", payload["uploadUrl"])
	}
}

func TestSessionFromTokenFirstParty(t *testing.T) {
	fs := &fakeStore{
		getAccountByIDFn: func(_ context.Context, accountID string) (store.Account, error) {
			return store.Account{ID: accountID, Name: "Ada", Role: "editor"}, nil
		},
	}
	svc := newTestService(fs)

	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: "acct-1", Name: "Ada", Role: "editor", JTI: "jti-1",
		Exp: time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	session, err := svc.SessionFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if session.AccountID != "acct-1" || session.Role != "editor" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestSessionFromTokenLegacyFallback(t *testing.T) {
	created := make(map[string]store.Account)
	fs := &fakeStore{
		insertAccountFn: func(_ context.Context, account store.Account) error {
			created[account.ID] = account
			return nil
		},
		getAccountByIDFn: func(_ context.Context, accountID string) (store.Account, error) {
			account, ok := created[accountID]
			if !ok {
				return store.Account{}, sql.ErrNoRows
			}
			return account, nil
		},
	}
	svc := newTestService(fs)
	svc.legacy = auth.NewLegacyVerifier("legacy-secret", false)

	legacyToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "firebase-uid-42",
		"email": "ada@example.com",
		"name":  "Ada Lovelace",
		"exp":   time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("legacy-secret"))
	if err != nil {
		t.Fatalf("sign legacy token: %v", err)
	}

	session, err := svc.SessionFromToken(context.Background(), legacyToken)
	if err != nil {
		t.Fatalf("legacy resolve: %v", err)
	}
	if session.AccountID == "" {
		t.Fatal("expected a canonical account id")
	}
	if session.Name != "Ada Lovelace" {
		t.Fatalf("expected reconciled name, got %q", session.Name)
	}
	account, ok := created[session.AccountID]
	if !ok {
		t.Fatal("reconciliation should create the canonical account")
	}
	if account.FirebaseUID != "firebase-uid-42" {
		t.Fatalf("expected linked legacy subject, got %q", account.FirebaseUID)
	}
	if account.Role != "viewer" {
		t.Fatalf("expected default viewer role, got %q", account.Role)
	}
}

func TestSessionFromTokenLegacyDisabled(t *testing.T) {
	svc := newTestService(&fakeStore{})
	svc.legacy = auth.NewLegacyVerifier("legacy-secret", true)

	legacyToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "firebase-uid-42",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("legacy-secret"))
	if err != nil {
		t.Fatalf("sign legacy token: %v", err)
	}

	if _, err := svc.SessionFromToken(context.Background(), legacyToken); err == nil {
		t.Fatal("disabled legacy provider must not mint sessions")
	}
}

func TestRefreshRehydratesAccountFromStore(t *testing.T) {
	fs := &fakeStore{
		// Refresh records only carry the account id, mirroring the
		// Redis payload shape.
		lookupRefreshSessionFn: func(context.Context, string) (store.Account, error) {
			return store.Account{ID: "acct-1"}, nil
		},
		getAccountByIDFn: accountLookup(map[string]store.Account{
			"acct-1": {ID: "acct-1", Name: "Ada", Role: "editor"},
		}),
	}
	svc := newTestService(fs)

	session, err := svc.Refresh(context.Background(), "refresh-token")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if session.AccountID != "acct-1" {
		t.Fatalf("expected acct-1, got %q", session.AccountID)
	}
	if session.Name != "Ada" || session.Role != "editor" {
		t.Fatalf("rotated session should carry account name and role, got %q/%q", session.Name, session.Role)
	}
}

func TestDeleteMediaRemovesObjectBestEffort(t *testing.T) {
	fs := &fakeStore{
		mediaOwnershipFn: func(context.Context, string) (store.MediaOwnership, error) {
			return store.MediaOwnership{MediaID: "med-1", StepID: "step-1", SOPID: "sop-1", OwnerID: "acct-1"}, nil
		},
		getMediaFn: func(_ context.Context, mediaID string) (store.Media, error) {
			return store.Media{ID: mediaID, StorageKey: "users/acct-1/sops/sop-1/steps/step-1/x.png"}, nil
		},
	}
	svc := newTestService(fs)
	svc.storage = &fakeStorage{}

	if err := svc.DeleteMedia(context.Background(), Session{AccountID: "acct-1"}, "med-1"); err != nil {
		t.Fatalf("delete media: %v", err)
	}
}

func TestRepairRequiresAdmin(t *testing.T) {
	svc := newTestService(&fakeStore{})
	if _, err := svc.Repair(context.Background(), Session{AccountID: "acct-1", Role: "editor"}); !errors.Is(err, authz.ErrForbidden) {
		t.Fatalf("expected forbidden for editor, got %v", err)
	}
}
