package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Accounts ──

const accountColumns = `
	id, COALESCE(firebase_uid, ''), email, COALESCE(name, ''), COALESCE(avatar_url, ''), role,
	COALESCE(password_hash, ''), is_email_verified, COALESCE(verification_token, ''), verification_expires_at,
	created_at, updated_at
`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var account Account
	err := row.Scan(
		&account.ID,
		&account.FirebaseUID,
		&account.Email,
		&account.Name,
		&account.AvatarURL,
		&account.Role,
		&account.PasswordHash,
		&account.IsEmailVerified,
		&account.VerificationToken,
		&account.VerificationExpiresAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	return account, err
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, accountID string) (Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE id=$1`, accountID))
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) GetAccountByFirebaseUID(ctx context.Context, firebaseUID string) (Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE firebase_uid=$1`, firebaseUID))
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) InsertAccount(ctx context.Context, account Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, firebase_uid, email, name, avatar_url, role, password_hash, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10)
	`,
		account.ID,
		account.FirebaseUID,
		account.Email,
		account.Name,
		account.AvatarURL,
		account.Role,
		account.PasswordHash,
		account.IsEmailVerified,
		account.VerificationToken,
		account.VerificationExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// UpdateAccountProfile refreshes the cached profile fields on sign-in.
// Empty values leave the stored field untouched.
func (s *PostgresStore) UpdateAccountProfile(ctx context.Context, accountID, email, name, avatarURL, role string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = COALESCE(NULLIF($2, ''), email),
			name = COALESCE(NULLIF($3, ''), name),
			avatar_url = COALESCE(NULLIF($4, ''), avatar_url),
			role = COALESCE(NULLIF($5, ''), role),
			updated_at = NOW()
		WHERE id=$1
	`, accountID, email, name, avatarURL, role)
	if err != nil {
		return fmt.Errorf("update account profile: %w", err)
	}
	return nil
}

// UpsertIdentityMapping maps an external subject that is not itself a
// valid canonical id onto one, creating the mapping on first sight.
// The uniqueness constraint on firebase_uid makes concurrent first
// sign-ins converge on the same canonical id.
func (s *PostgresStore) UpsertIdentityMapping(ctx context.Context, firebaseUID, candidateID string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO identity_mappings (firebase_uid, account_id)
		VALUES ($1, $2)
		ON CONFLICT (firebase_uid) DO UPDATE SET firebase_uid=EXCLUDED.firebase_uid
		RETURNING account_id
	`, firebaseUID, candidateID).Scan(&accountID)
	if err != nil {
		return "", fmt.Errorf("upsert identity mapping: %w", err)
	}
	return accountID, nil
}

func (s *PostgresStore) UpdateAccountVerificationToken(ctx context.Context, accountID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, accountID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyAccountEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateAccountPassword(ctx context.Context, accountID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, accountID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, accountID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, account_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, token, accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&accountID)
	if err != nil {
		return "", err
	}
	return accountID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions and token revocation (Postgres fallback when
// Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, accountID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, account_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET account_id=EXCLUDED.account_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Account, error) {
	const query = `
		SELECT u.id, COALESCE(u.firebase_uid, ''), u.email, COALESCE(u.name, ''), u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.account_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var account Account
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&account.ID, &account.FirebaseUID, &account.Email, &account.Name, &account.Role)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ── SOPs ──

const sopColumns = `
	id, title, COALESCE(description, ''), COALESCE(category, ''), created_by,
	is_published, version, status, created_at, updated_at
`

func scanSOP(row interface{ Scan(...any) error }) (SOP, error) {
	var item SOP
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.Category,
		&item.CreatedBy,
		&item.IsPublished,
		&item.Version,
		&item.Status,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListSOPs(ctx context.Context, filter SOPFilter) ([]SOP, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sopColumns+`
		FROM sops
		WHERE ($1='' OR category=$1)
		  AND ($2='' OR status=$2)
		  AND ($3='' OR created_by=$3::uuid)
		ORDER BY updated_at DESC
		LIMIT $4 OFFSET $5
	`, filter.Category, filter.Status, filter.CreatedBy, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sops: %w", err)
	}
	defer rows.Close()

	items := make([]SOP, 0)
	for rows.Next() {
		item, err := scanSOP(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sop: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sops: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSOP(ctx context.Context, sopID string) (SOP, error) {
	item, err := scanSOP(s.db.QueryRowContext(ctx, `SELECT `+sopColumns+` FROM sops WHERE id=$1`, sopID))
	if err != nil {
		return SOP{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertSOP(ctx context.Context, item SOP) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sops (id, title, description, category, created_by, is_published, version, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.Title, item.Description, item.Category, item.CreatedBy, item.IsPublished, item.Version, item.Status)
	if err != nil {
		return fmt.Errorf("insert sop: %w", err)
	}
	return nil
}

// UpdateSOP writes the mutable fields and bumps version; created_by is
// never touched after creation.
func (s *PostgresStore) UpdateSOP(ctx context.Context, sopID, title, description, category, status string) (SOP, error) {
	item, err := scanSOP(s.db.QueryRowContext(ctx, `
		UPDATE sops
		SET title=$2, description=$3, category=$4, status=$5, version=version+1, updated_at=NOW()
		WHERE id=$1
		RETURNING `+sopColumns+`
	`, sopID, title, description, category, status))
	if err != nil {
		return SOP{}, err
	}
	return item, nil
}

func (s *PostgresStore) SetSOPPublished(ctx context.Context, sopID string, published bool, status string) (SOP, error) {
	item, err := scanSOP(s.db.QueryRowContext(ctx, `
		UPDATE sops
		SET is_published=$2, status=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING `+sopColumns+`
	`, sopID, published, status))
	if err != nil {
		return SOP{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteSOP(ctx context.Context, sopID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sops WHERE id=$1`, sopID)
	if err != nil {
		return fmt.Errorf("delete sop: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete sop rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SOPOwner(ctx context.Context, sopID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT created_by FROM sops WHERE id=$1`, sopID).Scan(&owner)
	if err != nil {
		return "", err
	}
	return owner, nil
}

// ── Revisions ──

func (s *PostgresStore) InsertRevision(ctx context.Context, sopID string, version int, snapshot json.RawMessage, editedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sop_revisions (sop_id, version, snapshot, edited_by)
		VALUES ($1, $2, $3::jsonb, NULLIF($4, '')::uuid)
	`, sopID, version, string(snapshot), editedBy)
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, sopID string, limit int) ([]Revision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sop_id, version, snapshot, COALESCE(edited_by::text, ''), created_at
		FROM sop_revisions
		WHERE sop_id=$1
		ORDER BY version DESC
		LIMIT $2
	`, sopID, limit)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		var raw []byte
		if err := rows.Scan(&item.ID, &item.SOPID, &item.Version, &raw, &item.EditedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		item.Snapshot = json.RawMessage(raw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// ── Steps ──

const stepColumns = `
	id, sop_id, order_index, title, COALESCE(instructions, ''), COALESCE(role, ''),
	COALESCE(safety_notes, ''), COALESCE(verification, ''), created_at, updated_at
`

func scanStep(row interface{ Scan(...any) error }) (Step, error) {
	var item Step
	err := row.Scan(
		&item.ID,
		&item.SOPID,
		&item.OrderIndex,
		&item.Title,
		&item.Instructions,
		&item.Role,
		&item.SafetyNotes,
		&item.Verification,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListSteps(ctx context.Context, sopID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+`
		FROM sop_steps
		WHERE sop_id=$1
		ORDER BY order_index ASC
	`, sopID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	items := make([]Step, 0)
	for rows.Next() {
		item, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetStep(ctx context.Context, stepID string) (Step, error) {
	item, err := scanStep(s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM sop_steps WHERE id=$1`, stepID))
	if err != nil {
		return Step{}, err
	}
	return item, nil
}

// InsertStep appends when orderIndex is negative, otherwise inserts at
// orderIndex shifting later siblings up by one.
func (s *PostgresStore) InsertStep(ctx context.Context, item Step, orderIndex int) (Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Step{}, fmt.Errorf("begin insert step: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sop_steps WHERE sop_id=$1`, item.SOPID).Scan(&count); err != nil {
		return Step{}, fmt.Errorf("count steps: %w", err)
	}
	if orderIndex < 0 || orderIndex > count {
		orderIndex = count
	}
	if orderIndex < count {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sop_steps SET order_index = order_index + 1, updated_at=NOW()
			WHERE sop_id=$1 AND order_index >= $2
		`, item.SOPID, orderIndex); err != nil {
			return Step{}, fmt.Errorf("shift steps: %w", err)
		}
	}

	inserted, err := scanStep(tx.QueryRowContext(ctx, `
		INSERT INTO sop_steps (id, sop_id, order_index, title, instructions, role, safety_notes, verification)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+stepColumns+`
	`, item.ID, item.SOPID, orderIndex, item.Title, item.Instructions, item.Role, item.SafetyNotes, item.Verification))
	if err != nil {
		return Step{}, fmt.Errorf("insert step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Step{}, fmt.Errorf("commit insert step: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) UpdateStep(ctx context.Context, stepID, title, instructions, role, safetyNotes, verification string) (Step, error) {
	item, err := scanStep(s.db.QueryRowContext(ctx, `
		UPDATE sop_steps
		SET title=$2, instructions=$3, role=$4, safety_notes=$5, verification=$6, updated_at=NOW()
		WHERE id=$1
		RETURNING `+stepColumns+`
	`, stepID, title, instructions, role, safetyNotes, verification))
	if err != nil {
		return Step{}, err
	}
	return item, nil
}

// MoveStep re-sequences a step to newIndex within its SOP, shifting the
// siblings between the old and new position.
func (s *PostgresStore) MoveStep(ctx context.Context, stepID string, newIndex int) (Step, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Step{}, fmt.Errorf("begin move step: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sopID string
	var oldIndex, count int
	if err := tx.QueryRowContext(ctx, `SELECT sop_id, order_index FROM sop_steps WHERE id=$1`, stepID).Scan(&sopID, &oldIndex); err != nil {
		return Step{}, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sop_steps WHERE sop_id=$1`, sopID).Scan(&count); err != nil {
		return Step{}, fmt.Errorf("count steps: %w", err)
	}
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex >= count {
		newIndex = count - 1
	}

	switch {
	case newIndex == oldIndex:
	case newIndex > oldIndex:
		if _, err := tx.ExecContext(ctx, `
			UPDATE sop_steps SET order_index = order_index - 1, updated_at=NOW()
			WHERE sop_id=$1 AND order_index > $2 AND order_index <= $3
		`, sopID, oldIndex, newIndex); err != nil {
			return Step{}, fmt.Errorf("shift steps down: %w", err)
		}
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE sop_steps SET order_index = order_index + 1, updated_at=NOW()
			WHERE sop_id=$1 AND order_index >= $2 AND order_index < $3
		`, sopID, newIndex, oldIndex); err != nil {
			return Step{}, fmt.Errorf("shift steps up: %w", err)
		}
	}

	item, err := scanStep(tx.QueryRowContext(ctx, `
		UPDATE sop_steps SET order_index=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+stepColumns+`
	`, stepID, newIndex))
	if err != nil {
		return Step{}, fmt.Errorf("move step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Step{}, fmt.Errorf("commit move step: %w", err)
	}
	return item, nil
}

// DeleteStep removes a step and renumbers the remaining siblings so
// order_index stays a contiguous zero-based sequence.
func (s *PostgresStore) DeleteStep(ctx context.Context, stepID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete step: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sopID string
	var orderIndex int
	err = tx.QueryRowContext(ctx, `
		DELETE FROM sop_steps WHERE id=$1
		RETURNING sop_id, order_index
	`, stepID).Scan(&sopID, &orderIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sop_steps SET order_index = order_index - 1, updated_at=NOW()
		WHERE sop_id=$1 AND order_index > $2
	`, sopID, orderIndex); err != nil {
		return fmt.Errorf("resequence steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete step: %w", err)
	}
	return nil
}

// StepOwnership resolves the owning SOP and its owner in one joined
// read instead of chained lookups.
func (s *PostgresStore) StepOwnership(ctx context.Context, stepID string) (StepOwnership, error) {
	var chain StepOwnership
	err := s.db.QueryRowContext(ctx, `
		SELECT st.id, sp.id, sp.created_by
		FROM sop_steps st
		JOIN sops sp ON sp.id = st.sop_id
		WHERE st.id=$1
	`, stepID).Scan(&chain.StepID, &chain.SOPID, &chain.OwnerID)
	if err != nil {
		return StepOwnership{}, err
	}
	return chain, nil
}

// ── Media ──

const mediaColumns = `
	id, step_id, type, storage_key, content_type, size_bytes, COALESCE(caption, ''), display_mode, created_at
`

func scanMedia(row interface{ Scan(...any) error }) (Media, error) {
	var item Media
	err := row.Scan(
		&item.ID,
		&item.StepID,
		&item.Type,
		&item.StorageKey,
		&item.ContentType,
		&item.SizeBytes,
		&item.Caption,
		&item.DisplayMode,
		&item.CreatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListMedia(ctx context.Context, stepID string) ([]Media, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mediaColumns+`
		FROM sop_media
		WHERE step_id=$1
		ORDER BY created_at ASC
	`, stepID)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	items := make([]Media, 0)
	for rows.Next() {
		item, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMedia(ctx context.Context, mediaID string) (Media, error) {
	item, err := scanMedia(s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM sop_media WHERE id=$1`, mediaID))
	if err != nil {
		return Media{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertMedia(ctx context.Context, item Media) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sop_media (id, step_id, type, storage_key, content_type, size_bytes, caption, display_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.StepID, item.Type, item.StorageKey, item.ContentType, item.SizeBytes, item.Caption, item.DisplayMode)
	if err != nil {
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMedia(ctx context.Context, mediaID, caption, displayMode string) (Media, error) {
	item, err := scanMedia(s.db.QueryRowContext(ctx, `
		UPDATE sop_media
		SET caption=$2, display_mode=$3
		WHERE id=$1
		RETURNING `+mediaColumns+`
	`, mediaID, caption, displayMode))
	if err != nil {
		return Media{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteMedia(ctx context.Context, mediaID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sop_media WHERE id=$1`, mediaID)
	if err != nil {
		return fmt.Errorf("delete media: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete media rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MediaOwnership walks media -> step -> sop -> owner in one joined read.
func (s *PostgresStore) MediaOwnership(ctx context.Context, mediaID string) (MediaOwnership, error) {
	var chain MediaOwnership
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, st.id, sp.id, sp.created_by
		FROM sop_media m
		JOIN sop_steps st ON st.id = m.step_id
		JOIN sops sp ON sp.id = st.sop_id
		WHERE m.id=$1
	`, mediaID).Scan(&chain.MediaID, &chain.StepID, &chain.SOPID, &chain.OwnerID)
	if err != nil {
		return MediaOwnership{}, err
	}
	return chain, nil
}

// ── Views and notifications (best-effort side tables) ──

func (s *PostgresStore) InsertSOPView(ctx context.Context, sopID, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sop_views (sop_id, account_id)
		VALUES ($1, $2)
	`, sopID, accountID)
	if err != nil {
		return fmt.Errorf("insert sop view: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, account_id, kind, subject, body)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.AccountID, item.Kind, item.Subject, item.Body)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, accountID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, kind, subject, COALESCE(body, ''), read_at, created_at
		FROM notifications
		WHERE account_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.AccountID, &item.Kind, &item.Subject, &item.Body, &item.ReadAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}
