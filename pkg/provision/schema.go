package provision

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS provisioned_users (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		issuer TEXT NOT NULL,
		subject TEXT NOT NULL,
		username TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		full_name TEXT NOT NULL DEFAULT '',
		groups TEXT NOT NULL DEFAULT '[]',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_login_at TIMESTAMP NOT NULL,
		UNIQUE (org_id, issuer, subject)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_provisioned_users_email
		ON provisioned_users (org_id, email)`,
	`CREATE TABLE IF NOT EXISTS sso_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		org_id TEXT NOT NULL,
		protocol TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sso_sessions_expires_at
		ON sso_sessions (expires_at)`,
}

// Migrate creates the provisioning tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply provisioning schema: %w", err)
		}
	}
	return nil
}
