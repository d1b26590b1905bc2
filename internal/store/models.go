package store

import (
	"encoding/json"
	"time"
)

// Account is the canonical identity record. ID is a UUID and is the
// foreign-key target for everything else; FirebaseUID links the
// legacy provider's subject when one exists.
type Account struct {
	ID                    string
	FirebaseUID           string
	Email                 string
	Name                  string
	AvatarURL             string
	Role                  string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type SOP struct {
	ID          string
	Title       string
	Description string
	Category    string
	CreatedBy   string
	IsPublished bool
	Version     int
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Step struct {
	ID           string
	SOPID        string
	OrderIndex   int
	Title        string
	Instructions string
	Role         string
	SafetyNotes  string
	Verification string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Media struct {
	ID          string
	StepID      string
	Type        string
	StorageKey  string
	ContentType string
	SizeBytes   int64
	Caption     string
	DisplayMode string
	CreatedAt   time.Time
}

// Revision is a snapshot of a SOP taken before each update, keyed by
// the version number the snapshot belonged to.
type Revision struct {
	ID        int64
	SOPID     string
	Version   int
	Snapshot  json.RawMessage
	EditedBy  string
	CreatedAt time.Time
}

type Notification struct {
	ID        string
	AccountID string
	Kind      string
	Subject   string
	Body      string
	ReadAt    *time.Time
	CreatedAt time.Time
}

// SOPFilter narrows ListSOPs. Zero values mean no filtering.
type SOPFilter struct {
	Category  string
	Status    string
	CreatedBy string
	Limit     int
	Offset    int
}

// StepOwnership is the resolved ownership chain for a step, read in a
// single joined query.
type StepOwnership struct {
	StepID  string
	SOPID   string
	OwnerID string
}

// MediaOwnership is the resolved ownership chain for a media item.
type MediaOwnership struct {
	MediaID string
	StepID  string
	SOPID   string
	OwnerID string
}
