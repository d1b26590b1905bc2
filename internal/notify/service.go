package notify

import (
	"context"
	"log"
	"time"

	"github.com/durellwilson/sop-maker-sub002/internal/store"
	"github.com/durellwilson/sop-maker-sub002/internal/util"
)

// Notification kinds recorded by the application.
const (
	KindSOPPublished = "sop_published"
	KindSOPArchived  = "sop_archived"
	KindWelcome      = "welcome"
)

// Store is the persistence surface the notifier needs.
type Store interface {
	InsertNotification(ctx context.Context, item store.Notification) error
	GetAccountByID(ctx context.Context, id string) (store.Account, error)
}

// Service records in-app notifications and mirrors them to email when
// SMTP is configured.
type Service struct {
	store   Store
	emailer *Emailer // may be nil
}

// NewService creates a notification service. emailer may be nil.
func NewService(notificationStore Store, emailer *Emailer) *Service {
	return &Service{store: notificationStore, emailer: emailer}
}

// Record writes the notification row and sends the email, returning
// the first error. Used directly in tests; request paths go through
// Notify.
func (s *Service) Record(ctx context.Context, accountID, kind, subject, body string) error {
	item := store.Notification{
		ID:        util.NewID("ntf"),
		AccountID: accountID,
		Kind:      kind,
		Subject:   subject,
		Body:      body,
	}
	if err := s.store.InsertNotification(ctx, item); err != nil {
		return err
	}

	if s.emailer != nil && s.emailer.IsConfigured() {
		account, err := s.store.GetAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if err := s.emailer.SendEmail([]string{account.Email}, subject, body); err != nil {
			return err
		}
	}
	return nil
}

// Notify records a notification in the background. Failures are
// logged and never surface to the caller.
func (s *Service) Notify(accountID, kind, subject, body string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Record(ctx, accountID, kind, subject, body); err != nil {
			log.Printf("notify: %s for %s: %v", kind, accountID, err)
		}
	}()
}
