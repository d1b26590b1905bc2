package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/durellwilson/sop-maker-sub002/internal/auth"
	"github.com/durellwilson/sop-maker-sub002/internal/authpw"
	"github.com/durellwilson/sop-maker-sub002/internal/authz"
	"github.com/durellwilson/sop-maker-sub002/internal/config"
	"github.com/durellwilson/sop-maker-sub002/internal/export"
	"github.com/durellwilson/sop-maker-sub002/internal/identity"
	"github.com/durellwilson/sop-maker-sub002/internal/media"
	"github.com/durellwilson/sop-maker-sub002/internal/notify"
	"github.com/durellwilson/sop-maker-sub002/internal/rbac"
	"github.com/durellwilson/sop-maker-sub002/internal/search"
	"github.com/durellwilson/sop-maker-sub002/internal/store"
	"github.com/durellwilson/sop-maker-sub002/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	AccountID    string
	Name         string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

var allowedStatuses = map[string]struct{}{
	"draft":     {},
	"review":    {},
	"published": {},
	"archived":  {},
}

var allowedDisplayModes = map[string]struct{}{
	"contain": {},
	"cover":   {},
}

type dataStore interface {
	GetAccountByID(context.Context, string) (store.Account, error)

	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.Account, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	ListSOPs(context.Context, store.SOPFilter) ([]store.SOP, error)
	GetSOP(context.Context, string) (store.SOP, error)
	InsertSOP(context.Context, store.SOP) error
	UpdateSOP(context.Context, string, string, string, string, string) (store.SOP, error)
	SetSOPPublished(context.Context, string, bool, string) (store.SOP, error)
	DeleteSOP(context.Context, string) error
	SOPOwner(context.Context, string) (string, error)
	InsertRevision(context.Context, string, int, json.RawMessage, string) error
	ListRevisions(context.Context, string, int) ([]store.Revision, error)

	ListSteps(context.Context, string) ([]store.Step, error)
	GetStep(context.Context, string) (store.Step, error)
	InsertStep(context.Context, store.Step, int) (store.Step, error)
	UpdateStep(context.Context, string, string, string, string, string, string) (store.Step, error)
	MoveStep(context.Context, string, int) (store.Step, error)
	DeleteStep(context.Context, string) error
	StepOwnership(context.Context, string) (store.StepOwnership, error)

	ListMedia(context.Context, string) ([]store.Media, error)
	GetMedia(context.Context, string) (store.Media, error)
	InsertMedia(context.Context, store.Media) error
	UpdateMedia(context.Context, string, string, string) (store.Media, error)
	DeleteMedia(context.Context, string) error
	MediaOwnership(context.Context, string) (store.MediaOwnership, error)

	InsertSOPView(context.Context, string, string) error
	ListNotifications(context.Context, string, int) ([]store.Notification, error)

	Ping(ctx context.Context) error
}

// refreshStore holds refresh sessions. Redis when configured, the
// Postgres tables otherwise.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, accountID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Account, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// repairStore runs the schema self-repair. Only the real Postgres
// store implements it.
type repairStore interface {
	Repair(ctx context.Context) []store.RepairResult
}

// objectStorage issues presigned upload/download URLs.
type objectStorage interface {
	PresignUpload(ctx context.Context, key string) (string, error)
	PresignDownload(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	guard    *authz.Guard
	identity *identity.Service
	legacy   *auth.LegacyVerifier
	authpw   *authpw.Service
	search   *search.Service
	exporter *export.Service
	notifier *notify.Service
	emailer  *notify.Emailer
	storage  objectStorage
	repairer repairStore
}

// Deps carries the optional collaborators. Nil fields disable the
// corresponding feature rather than failing startup.
type Deps struct {
	Sessions refreshStore
	Guard    *authz.Guard
	Identity *identity.Service
	Legacy   *auth.LegacyVerifier
	AuthPW   *authpw.Service
	Search   *search.Service
	Export   *export.Service
	Notify   *notify.Service
	Emailer  *notify.Emailer
	Storage  objectStorage
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Deps) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		guard:    deps.Guard,
		identity: deps.Identity,
		legacy:   deps.Legacy,
		authpw:   deps.AuthPW,
		search:   deps.Search,
		exporter: deps.Export,
		notifier: deps.Notify,
		emailer:  deps.Emailer,
		storage:  deps.Storage,
		repairer: dataStore,
	}
	if deps.Sessions != nil {
		s.sessions = deps.Sessions
	}
	if s.guard == nil {
		s.guard = authz.NewGuard(dataStore)
	}
	if s.identity == nil {
		s.identity = identity.NewService(dataStore)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.emailer != nil && s.emailer.IsConfigured()
}

// appBaseURL is where links in outgoing email point. The CORS origin
// doubles as the frontend base when it names a single origin.
func (s *Service) appBaseURL() string {
	if s.cfg.CORSOrigin != "" && s.cfg.CORSOrigin != "*" {
		return strings.TrimRight(s.cfg.CORSOrigin, "/")
	}
	return "http://localhost:3000"
}

func (s *Service) SendVerificationEmail(email, name, token string) {
	if !s.SMTPConfigured() {
		return
	}
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	url := fmt.Sprintf("%s/verify-email?token=%s", s.appBaseURL(), token)
	go func() {
		if err := s.emailer.SendVerificationEmail(email, name, url); err != nil {
			log.Printf("app: send verification email: %v", err)
		}
	}()
}

func (s *Service) SendPasswordResetEmail(email, name, token string) {
	if !s.SMTPConfigured() {
		return
	}
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}
	url := fmt.Sprintf("%s/reset-password?token=%s", s.appBaseURL(), token)
	go func() {
		if err := s.emailer.SendPasswordResetEmail(email, name, url); err != nil {
			log.Printf("app: send password reset email: %v", err)
		}
	}()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// --- Sessions ---

func (s *Service) CreateSession(ctx context.Context, accountID string) (Session, error) {
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The refresh record only carries the account id; name and role come
	// from the accounts table so a rotated token reflects current state.
	account, err := s.store.GetAccountByID(ctx, ref.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account)
}

func (s *Service) issueSession(ctx context.Context, account store.Account) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  account.ID,
		Name: account.Name,
		Role: account.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), account.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		AccountID:    account.ID,
		Name:         account.Name,
		Role:         account.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken resolves a bearer token to a session. First-party
// tokens are tried first; when that fails and the legacy provider is
// still enabled, the token is verified against the legacy secret and
// reconciled onto a canonical account.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err == nil {
		revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}

		account, err := s.store.GetAccountByID(ctx, claims.Sub)
		if err != nil {
			return Session{}, err
		}

		return Session{
			Token:     token,
			AccountID: account.ID,
			Name:      account.Name,
			Role:      account.Role,
			JTI:       claims.JTI,
			ExpiresAt: time.Unix(claims.Exp, 0),
		}, nil
	}

	if errors.Is(err, auth.ErrExpiredToken) {
		return Session{}, err
	}

	if s.legacy == nil || !s.legacy.Enabled() {
		return Session{}, err
	}

	assertion, legacyErr := s.legacy.Verify(token)
	if legacyErr != nil {
		return Session{}, legacyErr
	}

	account, err := s.identity.Reconcile(ctx, identity.Assertion{
		Subject: assertion.Subject,
		Email:   assertion.Email,
		Name:    assertion.Name,
		Avatar:  assertion.Avatar,
		Role:    assertion.Role,
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		AccountID: account.ID,
		Name:      account.Name,
		Role:      account.Role,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- SOPs ---

func (s *Service) ListSOPs(ctx context.Context, session Session, filter store.SOPFilter) ([]map[string]any, error) {
	items, err := s.store.ListSOPs(ctx, filter)
	if err != nil {
		return nil, err
	}

	elevated := rbac.Elevated(rbac.Normalize(session.Role))
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if !item.IsPublished && item.CreatedBy != session.AccountID && !elevated {
			continue
		}
		payload = append(payload, sopPayload(item))
	}
	return payload, nil
}

func (s *Service) GetSOP(ctx context.Context, session Session, sopID string) (map[string]any, error) {
	item, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if err := s.canReadSOP(session, item); err != nil {
		return nil, err
	}

	steps, err := s.store.ListSteps(ctx, sopID)
	if err != nil {
		return nil, err
	}
	stepPayloads := make([]map[string]any, 0, len(steps))
	for _, step := range steps {
		mediaItems, err := s.store.ListMedia(ctx, step.ID)
		if err != nil {
			return nil, err
		}
		sp := stepPayload(step)
		mediaPayloads := make([]map[string]any, 0, len(mediaItems))
		for _, m := range mediaItems {
			mediaPayloads = append(mediaPayloads, mediaPayload(m))
		}
		sp["media"] = mediaPayloads
		stepPayloads = append(stepPayloads, sp)
	}

	payload := sopPayload(item)
	payload["steps"] = stepPayloads

	s.recordView(item.ID, session.AccountID)

	return payload, nil
}

// canReadSOP hides unpublished procedures from everyone but the owner
// and elevated roles. Missing and hidden are indistinguishable to the
// caller.
func (s *Service) canReadSOP(session Session, item store.SOP) error {
	if item.IsPublished {
		return nil
	}
	if item.CreatedBy == session.AccountID {
		return nil
	}
	if rbac.Elevated(rbac.Normalize(session.Role)) {
		return nil
	}
	return authz.ErrNotFound
}

func (s *Service) CreateSOP(ctx context.Context, session Session, title, description, category string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	item := store.SOP{
		ID:          util.NewID("sop"),
		Title:       title,
		Description: strings.TrimSpace(description),
		Category:    strings.TrimSpace(category),
		CreatedBy:   session.AccountID,
		Status:      "draft",
		Version:     1,
	}
	if err := s.store.InsertSOP(ctx, item); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, domainError(http.StatusConflict, "CONFLICT", "A procedure with this title already exists", nil)
		}
		return nil, err
	}

	created, err := s.store.GetSOP(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	s.indexSOP(created)

	return sopPayload(created), nil
}

func (s *Service) UpdateSOP(ctx context.Context, session Session, sopID, title, description, category, status string) (map[string]any, error) {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindSOP, ID: sopID}); err != nil {
		return nil, err
	}

	if status != "" {
		if _, ok := allowedStatuses[status]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of draft, review, published, archived", nil)
		}
	}

	current, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if err := s.snapshotRevision(ctx, current, session.AccountID); err != nil {
		return nil, err
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = current.Title
	}
	if status == "" {
		status = current.Status
	}

	updated, err := s.store.UpdateSOP(ctx, sopID, title, strings.TrimSpace(description), strings.TrimSpace(category), status)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, domainError(http.StatusConflict, "CONFLICT", "A procedure with this title already exists", nil)
		}
		return nil, err
	}

	s.indexSOP(updated)

	if status == "archived" && current.Status != "archived" && s.notifier != nil {
		s.notifier.Notify(updated.CreatedBy, notify.KindSOPArchived,
			fmt.Sprintf("%q was archived", updated.Title),
			fmt.Sprintf("%q is archived and hidden from search.", updated.Title))
	}

	return sopPayload(updated), nil
}

func (s *Service) DeleteSOP(ctx context.Context, session Session, sopID string) error {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindSOP, ID: sopID}); err != nil {
		return err
	}

	// Collect storage keys and step ids before the cascade delete
	// wipes the rows they live in.
	var objectKeys []string
	var stepIDs []string
	if steps, err := s.store.ListSteps(ctx, sopID); err == nil {
		for _, step := range steps {
			stepIDs = append(stepIDs, step.ID)
			if s.storage == nil {
				continue
			}
			items, err := s.store.ListMedia(ctx, step.ID)
			if err != nil {
				continue
			}
			for _, item := range items {
				objectKeys = append(objectKeys, item.StorageKey)
			}
		}
	}

	if err := s.store.DeleteSOP(ctx, sopID); err != nil {
		return err
	}

	if s.search != nil {
		s.search.DeleteSOP(sopID)
		for _, stepID := range stepIDs {
			s.search.DeleteStep(stepID)
		}
	}

	if s.storage != nil && len(objectKeys) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, key := range objectKeys {
				if err := s.storage.Remove(ctx, key); err != nil {
					log.Printf("app: remove object %s: %v", key, err)
				}
			}
		}()
	}
	return nil
}

func (s *Service) SetPublished(ctx context.Context, session Session, sopID string, published bool) (map[string]any, error) {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindSOP, ID: sopID}); err != nil {
		return nil, err
	}

	status := "draft"
	if published {
		status = "published"
	}
	updated, err := s.store.SetSOPPublished(ctx, sopID, published, status)
	if err != nil {
		return nil, err
	}

	s.indexSOP(updated)

	if published && s.notifier != nil {
		s.notifier.Notify(updated.CreatedBy, notify.KindSOPPublished,
			fmt.Sprintf("%q is now published", updated.Title),
			fmt.Sprintf("Version %d of %q is live and visible to all members.", updated.Version, updated.Title))
	}

	return sopPayload(updated), nil
}

func (s *Service) ListRevisions(ctx context.Context, session Session, sopID string, limit int) ([]map[string]any, error) {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindSOP, ID: sopID}); err != nil {
		return nil, err
	}
	revisions, err := s.store.ListRevisions(ctx, sopID, limit)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(revisions))
	for _, rev := range revisions {
		payload = append(payload, map[string]any{
			"id":        rev.ID,
			"sopId":     rev.SOPID,
			"version":   rev.Version,
			"snapshot":  rev.Snapshot,
			"editedBy":  rev.EditedBy,
			"createdAt": rev.CreatedAt,
		})
	}
	return payload, nil
}

// snapshotRevision stores the pre-update state keyed by the version it
// belonged to, so every version of a procedure stays recoverable.
func (s *Service) snapshotRevision(ctx context.Context, current store.SOP, editedBy string) error {
	steps, err := s.store.ListSteps(ctx, current.ID)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(map[string]any{
		"title":       current.Title,
		"description": current.Description,
		"category":    current.Category,
		"status":      current.Status,
		"isPublished": current.IsPublished,
		"steps":       stepsSnapshot(steps),
	})
	if err != nil {
		return err
	}
	return s.store.InsertRevision(ctx, current.ID, current.Version, snapshot, editedBy)
}

func stepsSnapshot(steps []store.Step) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, step := range steps {
		out = append(out, map[string]any{
			"id":           step.ID,
			"orderIndex":   step.OrderIndex,
			"title":        step.Title,
			"instructions": step.Instructions,
			"role":         step.Role,
			"safetyNotes":  step.SafetyNotes,
			"verification": step.Verification,
		})
	}
	return out
}

// recordView is fire-and-forget; a failed analytics write never
// affects the read it came from.
func (s *Service) recordView(sopID, accountID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.InsertSOPView(ctx, sopID, accountID); err != nil {
			log.Printf("app: record view %s: %v", sopID, err)
		}
	}()
}

func (s *Service) indexSOP(item store.SOP) {
	if s.search == nil {
		return
	}
	s.search.IndexSOP(search.SOPRecord{
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		Category:    item.Category,
		Status:      item.Status,
		CreatedBy:   item.CreatedBy,
	})
}

func (s *Service) indexStep(ctx context.Context, step store.Step) {
	if s.search == nil {
		return
	}
	rec := search.StepRecord{
		ID:           step.ID,
		SOPID:        step.SOPID,
		Title:        step.Title,
		Instructions: step.Instructions,
		SafetyNotes:  step.SafetyNotes,
	}
	if parent, err := s.store.GetSOP(ctx, step.SOPID); err == nil {
		rec.Category = parent.Category
		rec.Status = parent.Status
	}
	s.search.IndexStep(rec)
}

// --- Steps ---

type StepInput struct {
	Title        string `json:"title"`
	Instructions string `json:"instructions"`
	Role         string `json:"role"`
	SafetyNotes  string `json:"safetyNotes"`
	Verification string `json:"verification"`
	OrderIndex   *int   `json:"orderIndex"`
}

func (s *Service) ListSteps(ctx context.Context, session Session, sopID string) ([]map[string]any, error) {
	item, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if err := s.canReadSOP(session, item); err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, sopID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(steps))
	for _, step := range steps {
		payload = append(payload, stepPayload(step))
	}
	return payload, nil
}

func (s *Service) CreateStep(ctx context.Context, session Session, sopID string, input StepInput) (map[string]any, error) {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindSOP, ID: sopID}); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	orderIndex := -1 // append
	if input.OrderIndex != nil {
		if *input.OrderIndex < 0 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderIndex must not be negative", nil)
		}
		orderIndex = *input.OrderIndex
	}

	created, err := s.store.InsertStep(ctx, store.Step{
		ID:           util.NewID("step"),
		SOPID:        sopID,
		Title:        title,
		Instructions: input.Instructions,
		Role:         strings.TrimSpace(input.Role),
		SafetyNotes:  input.SafetyNotes,
		Verification: input.Verification,
	}, orderIndex)
	if err != nil {
		return nil, err
	}

	s.indexStep(ctx, created)

	return stepPayload(created), nil
}

func (s *Service) GetStep(ctx context.Context, session Session, stepID string) (map[string]any, error) {
	ownership, err := s.store.StepOwnership(ctx, stepID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authz.ErrNotFound
		}
		return nil, err
	}
	parent, err := s.store.GetSOP(ctx, ownership.SOPID)
	if err != nil {
		return nil, err
	}
	if err := s.canReadSOP(session, parent); err != nil {
		return nil, err
	}

	step, err := s.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListMedia(ctx, stepID)
	if err != nil {
		return nil, err
	}

	payload := stepPayload(step)
	mediaPayloads := make([]map[string]any, 0, len(items))
	for _, item := range items {
		mediaPayloads = append(mediaPayloads, mediaPayload(item))
	}
	payload["media"] = mediaPayloads
	return payload, nil
}

func (s *Service) UpdateStep(ctx context.Context, session Session, stepID string, input StepInput) (map[string]any, error) {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindStep, ID: stepID}); err != nil {
		return nil, err
	}

	if strings.TrimSpace(input.Title) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}

	updated, err := s.store.UpdateStep(ctx, stepID,
		strings.TrimSpace(input.Title), input.Instructions,
		strings.TrimSpace(input.Role), input.SafetyNotes, input.Verification)
	if err != nil {
		return nil, err
	}

	s.indexStep(ctx, updated)

	return stepPayload(updated), nil
}

func (s *Service) MoveStep(ctx context.Context, session Session, stepID string, newIndex int) (map[string]any, error) {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindStep, ID: stepID}); err != nil {
		return nil, err
	}
	if newIndex < 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orderIndex must not be negative", nil)
	}

	moved, err := s.store.MoveStep(ctx, stepID, newIndex)
	if err != nil {
		return nil, err
	}
	return stepPayload(moved), nil
}

func (s *Service) DeleteStep(ctx context.Context, session Session, stepID string) error {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindStep, ID: stepID}); err != nil {
		return err
	}
	if err := s.store.DeleteStep(ctx, stepID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteStep(stepID)
	}
	return nil
}

// --- Media ---

type MediaUploadInput struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
	Caption     string `json:"caption"`
	DisplayMode string `json:"displayMode"`
}

// CreateMediaUpload validates the declared upload, records the
// attachment row, and hands back a presigned PUT URL. The file itself
// never passes through this process.
func (s *Service) CreateMediaUpload(ctx context.Context, session Session, stepID string, input MediaUploadInput) (map[string]any, error) {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindStep, ID: stepID}); err != nil {
		return nil, err
	}

	kind, err := media.Validate(input.ContentType, input.SizeBytes, s.cfg.MaxUploadBytes)
	if err != nil {
		var ve *media.ValidationError
		if errors.As(err, &ve) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", ve.Reason, nil)
		}
		return nil, err
	}

	displayMode := input.DisplayMode
	if displayMode == "" {
		displayMode = "contain"
	}
	if _, ok := allowedDisplayModes[displayMode]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "displayMode must be contain or cover", nil)
	}

	if s.storage == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage is not configured", nil)
	}

	ownership, err := s.store.StepOwnership(ctx, stepID)
	if err != nil {
		return nil, err
	}

	key := media.ObjectKey(ownership.OwnerID, ownership.SOPID, stepID, input.Filename)
	uploadURL, err := s.storage.PresignUpload(ctx, key)
	if err != nil {
		return nil, err
	}

	item := store.Media{
		ID:          util.NewID("med"),
		StepID:      stepID,
		Type:        kind,
		StorageKey:  key,
		ContentType: input.ContentType,
		SizeBytes:   input.SizeBytes,
		Caption:     strings.TrimSpace(input.Caption),
		DisplayMode: displayMode,
	}
	if err := s.store.InsertMedia(ctx, item); err != nil {
		return nil, err
	}

	created, err := s.store.GetMedia(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	payload := mediaPayload(created)
	payload["uploadUrl"] = uploadURL
	return payload, nil
}

func (s *Service) MediaDownloadURL(ctx context.Context, session Session, mediaID string) (map[string]any, error) {
	ownership, err := s.store.MediaOwnership(ctx, mediaID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authz.ErrNotFound
		}
		return nil, err
	}

	parent, err := s.store.GetSOP(ctx, ownership.SOPID)
	if err != nil {
		return nil, err
	}
	if err := s.canReadSOP(session, parent); err != nil {
		return nil, err
	}

	if s.storage == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage is not configured", nil)
	}

	item, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	url, err := s.storage.PresignDownload(ctx, item.StorageKey)
	if err != nil {
		return nil, err
	}

	payload := mediaPayload(item)
	payload["downloadUrl"] = url
	return payload, nil
}

// ListStepMedia returns the attachments of a step, subject to the
// parent SOP's read visibility.
func (s *Service) ListStepMedia(ctx context.Context, session Session, stepID string) ([]map[string]any, error) {
	ownership, err := s.store.StepOwnership(ctx, stepID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authz.ErrNotFound
		}
		return nil, err
	}
	parent, err := s.store.GetSOP(ctx, ownership.SOPID)
	if err != nil {
		return nil, err
	}
	if err := s.canReadSOP(session, parent); err != nil {
		return nil, err
	}

	items, err := s.store.ListMedia(ctx, stepID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, mediaPayload(item))
	}
	return payload, nil
}

func (s *Service) UpdateMedia(ctx context.Context, session Session, mediaID, caption, displayMode string) (map[string]any, error) {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindMedia, ID: mediaID}); err != nil {
		return nil, err
	}
	if displayMode == "" {
		current, err := s.store.GetMedia(ctx, mediaID)
		if err != nil {
			return nil, err
		}
		displayMode = current.DisplayMode
	}
	if _, ok := allowedDisplayModes[displayMode]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "displayMode must be contain or cover", nil)
	}

	updated, err := s.store.UpdateMedia(ctx, mediaID, strings.TrimSpace(caption), displayMode)
	if err != nil {
		return nil, err
	}
	return mediaPayload(updated), nil
}

func (s *Service) DeleteMedia(ctx context.Context, session Session, mediaID string) error {
	if err := s.guard.Authorize(ctx, session.AccountID, rbac.Normalize(session.Role), authz.Ref{Kind: authz.KindMedia, ID: mediaID}); err != nil {
		return err
	}

	item, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMedia(ctx, mediaID); err != nil {
		return err
	}

	// The row is the source of truth; a stranded object is cleanup
	// debt, not an error.
	if s.storage != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.storage.Remove(ctx, item.StorageKey); err != nil {
				log.Printf("app: remove object %s: %v", item.StorageKey, err)
			}
		}()
	}
	return nil
}

// --- Search / export / notifications ---

func (s *Service) Search(ctx context.Context, session Session, q, filterType, category string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q}, nil
	}
	query := search.Query{
		Text:           q,
		FilterType:     search.ResultType(filterType),
		FilterCategory: category,
		Limit:          limit,
		Offset:         offset,
	}
	// Viewers only search published procedures; authors and elevated
	// roles see drafts too.
	if !rbac.Elevated(rbac.Normalize(session.Role)) {
		query.PublishedOnly = true
	}
	return s.search.Search(query), nil
}

func (s *Service) Export(ctx context.Context, session Session, sopID, format string) (*export.Result, error) {
	item, err := s.store.GetSOP(ctx, sopID)
	if err != nil {
		return nil, err
	}
	if err := s.canReadSOP(session, item); err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}

	switch export.Format(format) {
	case export.FormatPDF, export.FormatDOCX:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or docx", nil)
	}

	return s.exporter.Export(ctx, export.Request{
		SOPID:        sopID,
		Format:       export.Format(format),
		IncludeMedia: true,
	})
}

// WelcomeNewAccount drops a welcome notification for a freshly
// created account. Best effort, like every other notification.
func (s *Service) WelcomeNewAccount(accountID, name string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(accountID, notify.KindWelcome,
		"Welcome to SOP Maker",
		fmt.Sprintf("Hi %s, your account is ready. Create your first procedure to get started.", name))
}

func (s *Service) ListNotifications(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	items, err := s.store.ListNotifications(ctx, session.AccountID, limit)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		entry := map[string]any{
			"id":        item.ID,
			"kind":      item.Kind,
			"subject":   item.Subject,
			"body":      item.Body,
			"createdAt": item.CreatedAt,
		}
		if item.ReadAt != nil {
			entry["readAt"] = item.ReadAt
		}
		payload = append(payload, entry)
	}
	return payload, nil
}

// Repair runs the schema self-repair and returns the per-step report.
func (s *Service) Repair(ctx context.Context, session Session) ([]store.RepairResult, error) {
	if rbac.Normalize(session.Role) != rbac.RoleAdmin {
		return nil, authz.ErrForbidden
	}
	if s.repairer == nil {
		return nil, domainError(http.StatusServiceUnavailable, "REPAIR_UNAVAILABLE", "Schema repair is not available", nil)
	}
	return s.repairer.Repair(ctx), nil
}

// --- payload helpers ---

func sopPayload(item store.SOP) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"title":       item.Title,
		"description": item.Description,
		"category":    item.Category,
		"createdBy":   item.CreatedBy,
		"isPublished": item.IsPublished,
		"version":     item.Version,
		"status":      item.Status,
		"createdAt":   item.CreatedAt,
		"updatedAt":   item.UpdatedAt,
	}
}

func stepPayload(step store.Step) map[string]any {
	return map[string]any{
		"id":           step.ID,
		"sopId":        step.SOPID,
		"orderIndex":   step.OrderIndex,
		"title":        step.Title,
		"instructions": step.Instructions,
		"role":         step.Role,
		"safetyNotes":  step.SafetyNotes,
		"verification": step.Verification,
		"createdAt":    step.CreatedAt,
		"updatedAt":    step.UpdatedAt,
	}
}

func mediaPayload(item store.Media) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"stepId":      item.StepID,
		"type":        item.Type,
		"storageKey":  item.StorageKey,
		"contentType": item.ContentType,
		"sizeBytes":   item.SizeBytes,
		"caption":     item.Caption,
		"displayMode": item.DisplayMode,
		"createdAt":   item.CreatedAt,
	}
}
