package configstore

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema works on both PostgreSQL and SQLite; timestamps are stored as
// the driver's native time representation.
const schema = `
CREATE TABLE IF NOT EXISTS sso_provider_configs (
	id            TEXT PRIMARY KEY,
	org_id        TEXT NOT NULL,
	protocol      TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	enabled       BOOLEAN NOT NULL DEFAULT false,
	saml_settings TEXT,
	oidc_settings TEXT,
	mapping_rules TEXT,
	provisioning  TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sso_provider_configs_org
	ON sso_provider_configs (org_id, protocol);

-- The one-enabled-provider invariant per (org, protocol). The partial
-- index makes the database the arbiter under concurrent writes; both
-- PostgreSQL and SQLite support the WHERE form.
CREATE UNIQUE INDEX IF NOT EXISTS uniq_sso_provider_configs_enabled
	ON sso_provider_configs (org_id, protocol) WHERE enabled;

CREATE TABLE IF NOT EXISTS sso_certificates (
	id              TEXT PRIMARY KEY,
	owner_config_id TEXT NOT NULL,
	pem             TEXT NOT NULL,
	superseded      BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sso_certificates_owner
	ON sso_certificates (owner_config_id, superseded);
`

// Migrate creates the configuration tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate configstore schema: %w", err)
	}
	return nil
}
