// Package devices persists the per-user set of push endpoints. The
// registry is the sole authority on which endpoints a notification is
// sent to; it never contacts the push provider itself.
package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors.
var (
	ErrNotOwned = errors.New("device token not owned by caller")
	ErrNotFound = errors.New("device token not found")
)

// Platform identifies the mobile push platform of a device.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// Token is one registered push endpoint.
type Token struct {
	Token      string
	OwnerID    string
	Platform   Platform
	Active     bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Registry stores device tokens in the shared SQLite database.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// NewRegistry creates a Registry over an opened, migrated database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Register upserts a token for an owner. If the token was previously
// owned by a different user (device re-login), ownership transfers and
// the previous owner no longer receives notifications on that device.
func (r *Registry) Register(ctx context.Context, ownerID, token string, platform Platform) error {
	if !platform.Valid() {
		return fmt.Errorf("unknown platform %q", platform)
	}
	now := r.now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_tokens (token, owner_id, platform, active, created_at, last_used_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			owner_id = excluded.owner_id,
			platform = excluded.platform,
			active = 1,
			last_used_at = excluded.last_used_at`,
		token, ownerID, string(platform), now, now)
	if err != nil {
		return fmt.Errorf("register device token: %w", err)
	}
	return nil
}

// Unregister deactivates a token. Fails with ErrNotOwned if the token
// belongs to a different user and ErrNotFound if it is unknown.
func (r *Registry) Unregister(ctx context.Context, ownerID, token string) error {
	var owner string
	err := r.db.QueryRowContext(ctx,
		`SELECT owner_id FROM device_tokens WHERE token = ?`, token).Scan(&owner)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load device token: %w", err)
	}
	if owner != ownerID {
		return ErrNotOwned
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE device_tokens SET active = 0 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("deactivate device token: %w", err)
	}
	return nil
}

// ListActive returns all active tokens for an owner.
func (r *Registry) ListActive(ctx context.Context, ownerID string) ([]Token, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT token, owner_id, platform, active, created_at, last_used_at
		FROM device_tokens
		WHERE owner_id = ? AND active = 1
		ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []Token
	for rows.Next() {
		var t Token
		var platform string
		var active int
		var created, lastUsed int64
		if err := rows.Scan(&t.Token, &t.OwnerID, &platform, &active, &created, &lastUsed); err != nil {
			return nil, err
		}
		t.Platform = Platform(platform)
		t.Active = active == 1
		t.CreatedAt = time.UnixMilli(created)
		t.LastUsedAt = time.UnixMilli(lastUsed)
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// InvalidateMany marks tokens inactive. Called by the notification
// dispatcher when the push provider reports them as no longer
// registered.
func (r *Registry) InvalidateMany(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tokens)), ",")
	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE device_tokens SET active = 0 WHERE token IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("invalidate device tokens: %w", err)
	}
	return nil
}

// DeleteForOwner removes every token of a user. Called on user deletion.
func (r *Registry) DeleteForOwner(ctx context.Context, ownerID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM device_tokens WHERE owner_id = ?`, ownerID)
	if err != nil {
		return fmt.Errorf("delete device tokens: %w", err)
	}
	return nil
}
