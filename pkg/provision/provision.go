// Package provision performs just-in-time creation and update of local
// user records from validated identity data.
package provision

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/crosslane/crosslane/pkg/attrmap"
	"github.com/crosslane/crosslane/pkg/configstore"
	"github.com/crosslane/crosslane/pkg/errdefs"
)

// User is the local record produced or updated by provisioning. One
// external identity (issuer, subject) maps to at most one user per
// organization.
type User struct {
	ID       string `json:"id"`
	OrgID    string `json:"org_id"`
	Issuer   string `json:"issuer"`
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name,omitempty"`

	Groups []string `json:"groups,omitempty"`
	Active bool     `json:"active"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

// Service provisions users against the backing user store.
type Service struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewService creates a provisioning service on db.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, log: logrus.WithField("component", "provision")}
}

// Provision resolves the external identity (orgID, issuer, subject) to a
// local user under the given settings.
//
// Policies: create_or_update creates a missing user and refreshes an
// existing one; update_only fails when no user matches; create_only fails
// when one already does. When the settings enable it, a user with a
// matching email may be adopted in place of a missing (issuer, subject)
// mapping; an ambiguous email match fails closed.
func (s *Service) Provision(ctx context.Context, orgID, issuer, subject string, attrs *attrmap.Canonical, settings configstore.ProvisioningSettings) (*User, error) {
	if subject == "" {
		return nil, errdefs.Validation("provisioning requires a non-empty subject")
	}

	policy := settings.Policy
	if policy == "" {
		policy = configstore.PolicyCreateOrUpdate
	}

	existing, err := s.findByIdentity(ctx, orgID, issuer, subject)
	if err != nil {
		return nil, err
	}

	if existing == nil && settings.EmailFallback && attrs.Email != "" {
		existing, err = s.findByEmail(ctx, orgID, attrs.Email)
		if err != nil {
			return nil, err
		}
	}

	switch policy {
	case configstore.PolicyCreateOnly:
		if existing != nil {
			return nil, errdefs.Provisioning(
				"user already exists for identity %s/%s in organization %s", issuer, subject, orgID)
		}
		return s.create(ctx, orgID, issuer, subject, attrs)

	case configstore.PolicyUpdateOnly:
		if existing == nil {
			return nil, errdefs.Provisioning(
				"no user matches identity %s/%s in organization %s", issuer, subject, orgID)
		}
		return s.update(ctx, existing, issuer, subject, attrs)

	case configstore.PolicyCreateOrUpdate:
		if existing == nil {
			return s.create(ctx, orgID, issuer, subject, attrs)
		}
		return s.update(ctx, existing, issuer, subject, attrs)

	default:
		return nil, errdefs.Provisioning("unknown provisioning policy %q", policy)
	}
}

// GetByIdentity returns the user bound to (orgID, issuer, subject), or nil.
func (s *Service) GetByIdentity(ctx context.Context, orgID, issuer, subject string) (*User, error) {
	return s.findByIdentity(ctx, orgID, issuer, subject)
}

func (s *Service) findByIdentity(ctx context.Context, orgID, issuer, subject string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, issuer, subject, username, email, full_name, groups, active,
			created_at, updated_at, last_login_at
		FROM provisioned_users
		WHERE org_id = $1 AND issuer = $2 AND subject = $3
	`, orgID, issuer, subject)
	user, err := scanUser(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by identity: %w", err)
	}
	return user, nil
}

func (s *Service) findByEmail(ctx context.Context, orgID, email string) (*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, issuer, subject, username, email, full_name, groups, active,
			created_at, updated_at, last_login_at
		FROM provisioned_users
		WHERE org_id = $1 AND email = $2
	`, orgID, email)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by email: %w", err)
	}
	defer rows.Close()

	var matches []*User
	for rows.Next() {
		user, err := scanUser(rows.Scan)
		if err != nil {
			return nil, err
		}
		matches = append(matches, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		// Guessing between candidates would bind the external identity
		// to the wrong account; fail closed instead.
		return nil, errdefs.Provisioning(
			"email fallback matched %d users for %s in organization %s", len(matches), email, orgID)
	}
}

func (s *Service) create(ctx context.Context, orgID, issuer, subject string, attrs *attrmap.Canonical) (*User, error) {
	now := time.Now().UTC()
	user := &User{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Issuer:      issuer,
		Subject:     subject,
		Username:    usernameFor(attrs),
		Email:       attrs.Email,
		FullName:    fullNameFor(attrs),
		Groups:      attrs.Groups,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastLoginAt: now,
	}

	groupsJSON, err := json.Marshal(user.Groups)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal groups: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provisioned_users (
			id, org_id, issuer, subject, username, email, full_name, groups, active,
			created_at, updated_at, last_login_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $10, $11)
	`, user.ID, user.OrgID, user.Issuer, user.Subject, user.Username, user.Email,
		user.FullName, groupsJSON, user.CreatedAt, user.UpdatedAt, user.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.log.WithFields(logrus.Fields{"org": orgID, "user": user.ID}).Info("provisioned new user")
	return user, nil
}

func (s *Service) update(ctx context.Context, user *User, issuer, subject string, attrs *attrmap.Canonical) (*User, error) {
	now := time.Now().UTC()
	user.Issuer = issuer
	user.Subject = subject
	if attrs.Email != "" {
		user.Email = attrs.Email
	}
	if name := fullNameFor(attrs); name != "" {
		user.FullName = name
	}
	if attrs.Groups != nil {
		user.Groups = attrs.Groups
	}
	user.UpdatedAt = now
	user.LastLoginAt = now

	groupsJSON, err := json.Marshal(user.Groups)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal groups: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE provisioned_users
		SET issuer = $1, subject = $2, email = $3, full_name = $4, groups = $5,
			updated_at = $6, last_login_at = $7
		WHERE id = $8
	`, user.Issuer, user.Subject, user.Email, user.FullName, groupsJSON,
		user.UpdatedAt, user.LastLoginAt, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return user, nil
}

func usernameFor(attrs *attrmap.Canonical) string {
	if attrs.Username != "" {
		return attrs.Username
	}
	return attrs.Email
}

func fullNameFor(attrs *attrmap.Canonical) string {
	if attrs.FullName != "" {
		return attrs.FullName
	}
	if attrs.FirstName != "" && attrs.LastName != "" {
		return attrs.FirstName + " " + attrs.LastName
	}
	return ""
}

func scanUser(scan func(dest ...interface{}) error) (*User, error) {
	var user User
	var groupsJSON []byte
	err := scan(
		&user.ID, &user.OrgID, &user.Issuer, &user.Subject, &user.Username,
		&user.Email, &user.FullName, &groupsJSON, &user.Active,
		&user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt)
	if err != nil {
		return nil, err
	}
	if len(groupsJSON) > 0 {
		if err := json.Unmarshal(groupsJSON, &user.Groups); err != nil {
			return nil, fmt.Errorf("failed to unmarshal groups: %w", err)
		}
	}
	return &user, nil
}
