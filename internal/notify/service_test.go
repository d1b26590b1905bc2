package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/durellwilson/sop-maker-sub002/internal/store"
)

type fakeNotifyStore struct {
	inserted  []store.Notification
	insertErr error
	accounts  map[string]store.Account
}

func (f *fakeNotifyStore) InsertNotification(ctx context.Context, item store.Notification) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, item)
	return nil
}

func (f *fakeNotifyStore) GetAccountByID(ctx context.Context, id string) (store.Account, error) {
	if account, ok := f.accounts[id]; ok {
		return account, nil
	}
	return store.Account{}, errors.New("account not found")
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("records notification row", func(t *testing.T) {
		fake := &fakeNotifyStore{accounts: map[string]store.Account{}}
		svc := NewService(fake, nil)

		err := svc.Record(ctx, "acct-1", KindSOPPublished, "Published", "Your procedure went live")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(fake.inserted) != 1 {
			t.Fatalf("expected 1 notification, got %d", len(fake.inserted))
		}
		item := fake.inserted[0]
		if item.AccountID != "acct-1" {
			t.Errorf("expected account acct-1, got %s", item.AccountID)
		}
		if item.Kind != KindSOPPublished {
			t.Errorf("expected kind %s, got %s", KindSOPPublished, item.Kind)
		}
		if !strings.HasPrefix(item.ID, "ntf_") {
			t.Errorf("expected generated notification id, got %q", item.ID)
		}
	})

	t.Run("propagates store error", func(t *testing.T) {
		fake := &fakeNotifyStore{insertErr: errors.New("db down")}
		svc := NewService(fake, nil)

		if err := svc.Record(ctx, "acct-1", KindWelcome, "Welcome", ""); err == nil {
			t.Error("expected error from store")
		}
	})

	t.Run("unconfigured emailer is skipped", func(t *testing.T) {
		fake := &fakeNotifyStore{accounts: map[string]store.Account{}}
		svc := NewService(fake, NewEmailer(EmailConfig{}))

		// No account lookup should happen since SMTP is unconfigured.
		if err := svc.Record(ctx, "acct-1", KindWelcome, "Welcome", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(fake.inserted) != 1 {
			t.Errorf("expected notification recorded, got %d", len(fake.inserted))
		}
	})
}

func TestEmailerIsConfigured(t *testing.T) {
	if NewEmailer(EmailConfig{}).IsConfigured() {
		t.Error("empty config should not be configured")
	}
	configured := NewEmailer(EmailConfig{Host: "smtp.example.com", Port: "587", From: "noreply@example.com"})
	if !configured.IsConfigured() {
		t.Error("expected configured emailer")
	}
}

func TestRenderEmailTemplates(t *testing.T) {
	html, err := renderTemplate(verificationEmailTemplate, VerificationData{
		AppName:         "SOP Maker",
		UserName:        "Jordan",
		VerificationURL: "https://example.com/verify?token=abc",
	})
	if err != nil {
		t.Fatalf("render verification: %v", err)
	}
	if !strings.Contains(html, "Jordan") || !strings.Contains(html, "https://example.com/verify?token=abc") {
		t.Error("verification email missing expected fields")
	}

	html, err = renderTemplate(passwordResetEmailTemplate, PasswordResetData{
		AppName:  "SOP Maker",
		UserName: "Jordan",
		ResetURL: "https://example.com/reset?token=xyz",
	})
	if err != nil {
		t.Fatalf("render reset: %v", err)
	}
	if !strings.Contains(html, "https://example.com/reset?token=xyz") {
		t.Error("reset email missing reset URL")
	}
}
