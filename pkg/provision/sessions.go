package provision

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crosslane/crosslane/pkg/errdefs"
)

// Session is a broker-issued login session bound to a provisioned user.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	Protocol  string    `json:"protocol"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DefaultSessionTTL bounds sessions that do not carry an explicit lifetime.
const DefaultSessionTTL = 8 * time.Hour

// CreateSession records a new session for user valid for ttl.
func (s *Service) CreateSession(ctx context.Context, user *User, protocol string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		OrgID:     user.OrgID,
		Protocol:  protocol,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sso_sessions (id, user_id, org_id, protocol, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, session.ID, session.UserID, session.OrgID, session.Protocol,
		session.CreatedAt, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession returns the session by id if it exists and has not expired.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, org_id, protocol, created_at, expires_at
		FROM sso_sessions
		WHERE id = $1
	`, id)
	var session Session
	err := row.Scan(&session.ID, &session.UserID, &session.OrgID, &session.Protocol,
		&session.CreatedAt, &session.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.Authentication(fmt.Sprintf("session %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	if time.Now().After(session.ExpiresAt) {
		return nil, errdefs.Authentication(fmt.Sprintf("session %s expired at %s", id, session.ExpiresAt))
	}
	return &session, nil
}

// DeleteSession removes the session by id. Deleting an absent session is
// not an error.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sso_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions past their expiry and returns
// how many were removed. Intended to run on a schedule.
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sso_sessions WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("cleaned up expired sessions")
	}
	return removed, nil
}
