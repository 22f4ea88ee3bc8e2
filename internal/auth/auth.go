// Package auth resolves bearer tokens to user identities. Account
// management (signup, login, password reset) lives in the account
// service; this backend only validates the session tokens it issues.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthenticated is returned for missing, unknown or expired tokens.
var ErrUnauthenticated = errors.New("not authenticated")

type contextKey int

const userKey contextKey = iota

// UserInfo contains the authenticated user's identity.
type UserInfo struct {
	ID      string
	Email   string
	IsAdmin bool
}

// WithUser stores a UserInfo in the context.
func WithUser(ctx context.Context, u *UserInfo) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// GetUser retrieves UserInfo from the context. Returns nil if not authenticated.
func GetUser(ctx context.Context) *UserInfo {
	u, _ := ctx.Value(userKey).(*UserInfo)
	return u
}

// Store validates tokens against the sessions and users tables.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Verify resolves a bearer token to a UserInfo. Returns
// ErrUnauthenticated for unknown or expired tokens.
func (s *Store) Verify(ctx context.Context, token string) (*UserInfo, error) {
	var userID string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE token = ?`, token).
		Scan(&userID, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if s.now().UnixMilli() > expiresAt {
		return nil, ErrUnauthenticated
	}

	var u UserInfo
	var isAdmin int
	err = s.db.QueryRowContext(ctx,
		`SELECT id, email, is_admin FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.Email, &isAdmin)
	if err == sql.ErrNoRows {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.IsAdmin = isAdmin == 1
	return &u, nil
}

// Email returns the notification email of a user, or "" if none is on
// record. Used for the email fallback on push delivery failure.
func (s *Store) Email(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx,
		`SELECT email FROM users WHERE id = ?`, userID).Scan(&email)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query user email: %w", err)
	}
	return email, nil
}

// CreateUser inserts a user row. Intended for provisioning and tests.
func (s *Store) CreateUser(ctx context.Context, id, email string, isAdmin bool) error {
	admin := 0
	if isAdmin {
		admin = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, is_admin, created_at) VALUES (?, ?, ?, ?)`,
		id, email, admin, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// CreateSession inserts a session token for a user.
func (s *Store) CreateSession(ctx context.Context, token, userID string, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		token, userID, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Middleware authenticates requests via "Authorization: Bearer <token>"
// and stores the resolved user in the request context. Unauthenticated
// requests get a 401.
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			// EventSource cannot set headers; allow ?access_token= for
			// the SSE endpoints.
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		u, err := s.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			} else {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}
