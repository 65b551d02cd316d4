package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crosslane/crosslane/pkg/errdefs"
)

// ErrNotFound is returned when no matching provider configuration exists.
var ErrNotFound = errors.New("provider configuration not found")

// Store is the authoritative SQL repository for provider configurations
// and their certificates.
type Store struct {
	db *sql.DB
}

// NewStore creates a configuration store on db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new provider configuration. It enforces the invariant
// that at most one enabled configuration exists per (organization,
// protocol) pair.
func (s *Store) Create(ctx context.Context, config *ProviderConfig) error {
	if !config.Protocol.Valid() {
		return errdefs.Configuration("unknown protocol %q", config.Protocol)
	}
	if config.ID == "" {
		config.ID = uuid.NewString()
	}

	if config.Enabled {
		if err := s.checkEnabledConflict(ctx, config); err != nil {
			return err
		}
	}

	samlJSON, oidcJSON, rulesJSON, provJSON, err := marshalSettings(config)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sso_provider_configs (
			id, org_id, protocol, display_name, enabled,
			saml_settings, oidc_settings, mapping_rules, provisioning,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, config.ID, config.OrgID, config.Protocol, config.DisplayName, config.Enabled,
		samlJSON, oidcJSON, rulesJSON, provJSON, config.CreatedAt, config.UpdatedAt)
	if isUniqueViolation(err) {
		return enabledConflict(config)
	}
	if err != nil {
		return fmt.Errorf("failed to create provider config: %w", err)
	}
	return nil
}

// Update replaces an existing provider configuration.
func (s *Store) Update(ctx context.Context, config *ProviderConfig) error {
	if !config.Protocol.Valid() {
		return errdefs.Configuration("unknown protocol %q", config.Protocol)
	}
	if config.Enabled {
		if err := s.checkEnabledConflict(ctx, config); err != nil {
			return err
		}
	}

	samlJSON, oidcJSON, rulesJSON, provJSON, err := marshalSettings(config)
	if err != nil {
		return err
	}

	config.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sso_provider_configs
		SET display_name = $1, enabled = $2, saml_settings = $3, oidc_settings = $4,
			mapping_rules = $5, provisioning = $6, updated_at = $7
		WHERE id = $8
	`, config.DisplayName, config.Enabled, samlJSON, oidcJSON,
		rulesJSON, provJSON, config.UpdatedAt, config.ID)
	if isUniqueViolation(err) {
		return enabledConflict(config)
	}
	if err != nil {
		return fmt.Errorf("failed to update provider config: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a provider configuration and its certificates.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sso_certificates WHERE owner_config_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete certificates: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sso_provider_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete provider config: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetEnabled returns the enabled configuration for (orgID, protocol), or
// ErrNotFound.
func (s *Store) GetEnabled(ctx context.Context, orgID string, protocol Protocol) (*ProviderConfig, error) {
	return s.getOne(ctx, `
		SELECT id, org_id, protocol, display_name, enabled,
			saml_settings, oidc_settings, mapping_rules, provisioning,
			created_at, updated_at
		FROM sso_provider_configs
		WHERE org_id = $1 AND protocol = $2 AND enabled = true
	`, orgID, protocol)
}

// GetByID returns the configuration with the given id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*ProviderConfig, error) {
	return s.getOne(ctx, `
		SELECT id, org_id, protocol, display_name, enabled,
			saml_settings, oidc_settings, mapping_rules, provisioning,
			created_at, updated_at
		FROM sso_provider_configs
		WHERE id = $1
	`, id)
}

// ListByOrg returns all configurations for an organization.
func (s *Store) ListByOrg(ctx context.Context, orgID string) ([]*ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, protocol, display_name, enabled,
			saml_settings, oidc_settings, mapping_rules, provisioning,
			created_at, updated_at
		FROM sso_provider_configs
		WHERE org_id = $1
		ORDER BY protocol, created_at
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*ProviderConfig
	for rows.Next() {
		config, err := scanConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	return configs, rows.Err()
}

func (s *Store) getOne(ctx context.Context, query string, args ...interface{}) (*ProviderConfig, error) {
	config, err := scanConfig(s.db.QueryRowContext(ctx, query, args...).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config, nil
}

func (s *Store) checkEnabledConflict(ctx context.Context, config *ProviderConfig) error {
	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM sso_provider_configs
		WHERE org_id = $1 AND protocol = $2 AND enabled = true AND id <> $3
	`, config.OrgID, config.Protocol, config.ID).Scan(&existing)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check enabled conflict: %w", err)
	}
	return errdefs.Configuration(
		"organization %s already has an enabled %s provider (%s)", config.OrgID, config.Protocol, existing)
}

func enabledConflict(config *ProviderConfig) error {
	return errdefs.Configuration(
		"organization %s already has an enabled %s provider", config.OrgID, config.Protocol)
}

// isUniqueViolation matches the unique-index errors of both supported
// drivers: lib/pq reports "duplicate key value violates unique
// constraint", go-sqlite3 reports "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique")
}

func marshalSettings(config *ProviderConfig) (saml, oidc, rules, prov []byte, err error) {
	if config.SAML != nil {
		if saml, err = json.Marshal(config.SAML); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal SAML settings: %w", err)
		}
	}
	if config.OIDC != nil {
		if oidc, err = marshalOIDC(config.OIDC); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if rules, err = json.Marshal(config.MappingRules); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal mapping rules: %w", err)
	}
	if prov, err = json.Marshal(config.Provisioning); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal provisioning settings: %w", err)
	}
	return saml, oidc, rules, prov, nil
}

// persistedOIDC mirrors OIDCSettings but keeps the client secret, which the
// outward-facing JSON tag deliberately drops.
type persistedOIDC struct {
	Issuer       string   `json:"issuer"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
	DiscoveryURL string   `json:"discovery_url,omitempty"`
}

func marshalOIDC(o *OIDCSettings) ([]byte, error) {
	data, err := json.Marshal(persistedOIDC{
		Issuer:       o.Issuer,
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		RedirectURL:  o.RedirectURL,
		Scopes:       o.Scopes,
		DiscoveryURL: o.DiscoveryURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OIDC settings: %w", err)
	}
	return data, nil
}

func unmarshalOIDC(data []byte) (*OIDCSettings, error) {
	var p persistedOIDC
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal OIDC settings: %w", err)
	}
	return &OIDCSettings{
		Issuer:       p.Issuer,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Scopes:       p.Scopes,
		DiscoveryURL: p.DiscoveryURL,
	}, nil
}

func scanConfig(scan func(dest ...interface{}) error) (*ProviderConfig, error) {
	var (
		config    ProviderConfig
		samlJSON  []byte
		oidcJSON  []byte
		rulesJSON []byte
		provJSON  []byte
	)
	err := scan(
		&config.ID, &config.OrgID, &config.Protocol, &config.DisplayName, &config.Enabled,
		&samlJSON, &oidcJSON, &rulesJSON, &provJSON,
		&config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(samlJSON) > 0 {
		config.SAML = &SAMLSettings{}
		if err := json.Unmarshal(samlJSON, config.SAML); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SAML settings: %w", err)
		}
	}
	if len(oidcJSON) > 0 {
		if config.OIDC, err = unmarshalOIDC(oidcJSON); err != nil {
			return nil, err
		}
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &config.MappingRules); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mapping rules: %w", err)
		}
	}
	if len(provJSON) > 0 {
		if err := json.Unmarshal(provJSON, &config.Provisioning); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provisioning settings: %w", err)
		}
	}
	return &config, nil
}
