package configstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/crosslane/crosslane/pkg/attrmap"
)

// seedTarget is the store surface seeding needs. Both Store and
// CachedStore satisfy it.
type seedTarget interface {
	Create(ctx context.Context, config *ProviderConfig) error
	Update(ctx context.Context, config *ProviderConfig) error
	ListByOrg(ctx context.Context, orgID string) ([]*ProviderConfig, error)
}

// Seeder loads provider configurations from a YAML file at startup and
// keeps them in sync while the file changes. Seeded configurations are
// upserted by (organization, protocol); configurations created through
// the API are left alone.
type Seeder struct {
	path   string
	target seedTarget
	log    *logrus.Entry
}

// NewSeeder creates a seeder for the YAML file at path.
func NewSeeder(path string, target seedTarget) *Seeder {
	return &Seeder{
		path:   path,
		target: target,
		log:    logrus.WithFields(logrus.Fields{"component": "seeder", "file": path}),
	}
}

type seedFile struct {
	Providers []seedProvider `yaml:"providers"`
}

type seedProvider struct {
	OrgID       string `yaml:"org_id"`
	Protocol    string `yaml:"protocol"`
	DisplayName string `yaml:"display_name"`
	Enabled     bool   `yaml:"enabled"`

	SAML *struct {
		IdPEntityID     string   `yaml:"idp_entity_id"`
		SSOURL          string   `yaml:"sso_url"`
		IdPCertificates []string `yaml:"idp_certificates"`
		SignRequests    bool     `yaml:"sign_requests"`
		NameIDFormat    string   `yaml:"name_id_format"`
	} `yaml:"saml"`

	OIDC *struct {
		Issuer       string   `yaml:"issuer"`
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		RedirectURL  string   `yaml:"redirect_url"`
		Scopes       []string `yaml:"scopes"`
		DiscoveryURL string   `yaml:"discovery_url"`
	} `yaml:"oidc"`

	MappingRules []struct {
		Source    string `yaml:"source"`
		Target    string `yaml:"target"`
		Transform string `yaml:"transform"`
	} `yaml:"mapping_rules"`

	Provisioning struct {
		Policy        string `yaml:"policy"`
		EmailFallback bool   `yaml:"email_fallback"`
		DefaultRole   string `yaml:"default_role"`
	} `yaml:"provisioning"`
}

// Apply loads the seed file and upserts every provider it defines.
func (s *Seeder) Apply(ctx context.Context) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for _, seed := range file.Providers {
		config, err := seed.toConfig()
		if err != nil {
			return err
		}
		if err := s.upsert(ctx, config); err != nil {
			return err
		}
	}
	s.log.WithField("providers", len(file.Providers)).Info("applied provider seed file")
	return nil
}

// Watch re-applies the seed file whenever it is rewritten, until ctx is
// cancelled. Fired from main alongside the server.
func (s *Seeder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory rather than the file so editors that replace
	// the file on save keep triggering events.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch seed directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Apply(ctx); err != nil {
				s.log.WithError(err).Error("failed to re-apply seed file")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("seed file watcher error")
		}
	}
}

func (s *Seeder) upsert(ctx context.Context, config *ProviderConfig) error {
	existing, err := s.target.ListByOrg(ctx, config.OrgID)
	if err != nil {
		return err
	}
	for _, candidate := range existing {
		if candidate.Protocol == config.Protocol {
			config.ID = candidate.ID
			return s.target.Update(ctx, config)
		}
	}
	return s.target.Create(ctx, config)
}

func (p *seedProvider) toConfig() (*ProviderConfig, error) {
	protocol := Protocol(p.Protocol)
	if p.OrgID == "" || !protocol.Valid() {
		return nil, fmt.Errorf("seed provider needs org_id and a valid protocol, got org %q protocol %q", p.OrgID, p.Protocol)
	}

	config := &ProviderConfig{
		OrgID:       p.OrgID,
		Protocol:    protocol,
		DisplayName: p.DisplayName,
		Enabled:     p.Enabled,
		Provisioning: ProvisioningSettings{
			Policy:        ProvisioningPolicy(p.Provisioning.Policy),
			EmailFallback: p.Provisioning.EmailFallback,
			DefaultRole:   p.Provisioning.DefaultRole,
		},
	}
	if p.SAML != nil {
		config.SAML = &SAMLSettings{
			IdPEntityID:     p.SAML.IdPEntityID,
			SSOURL:          p.SAML.SSOURL,
			IdPCertificates: p.SAML.IdPCertificates,
			SignRequests:    p.SAML.SignRequests,
			NameIDFormat:    p.SAML.NameIDFormat,
		}
	}
	if p.OIDC != nil {
		config.OIDC = &OIDCSettings{
			Issuer:       p.OIDC.Issuer,
			ClientID:     p.OIDC.ClientID,
			ClientSecret: p.OIDC.ClientSecret,
			RedirectURL:  p.OIDC.RedirectURL,
			Scopes:       p.OIDC.Scopes,
			DiscoveryURL: p.OIDC.DiscoveryURL,
		}
	}
	for _, rule := range p.MappingRules {
		config.MappingRules = append(config.MappingRules, attrmap.Rule{
			Source:    rule.Source,
			Target:    rule.Target,
			Transform: rule.Transform,
		})
	}
	return config, nil
}
