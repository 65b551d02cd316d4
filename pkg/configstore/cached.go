package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crosslane/crosslane/pkg/cache"
)

// DefaultConfigTTL is how long a provider configuration stays cached.
const DefaultConfigTTL = 15 * time.Minute

// CachedStore fronts a Store with the shared cache layer. Reads hit the
// cache first; every mutation invalidates all cached copies for the
// organization before it returns, so the very next read from any caller
// observes the new value. A record is cached whole, never per-field, so a
// racing reader sees either the fully-old or fully-new configuration.
type CachedStore struct {
	store *Store
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedStore wraps store with c.
func NewCachedStore(store *Store, c cache.Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultConfigTTL
	}
	return &CachedStore{store: store, cache: c, ttl: ttl}
}

func orgPrefix(orgID string) string {
	return fmt.Sprintf("ssoconfig:%s:", orgID)
}

func configKey(orgID string, protocol Protocol) string {
	return fmt.Sprintf("ssoconfig:%s:%s", orgID, protocol)
}

// GetEnabled returns the enabled configuration for (orgID, protocol),
// serving from cache when possible. Cache failures fall through to the
// authoritative store.
func (s *CachedStore) GetEnabled(ctx context.Context, orgID string, protocol Protocol) (*ProviderConfig, error) {
	key := configKey(orgID, protocol)

	if data, ok := s.cache.Get(ctx, key); ok {
		if config, err := unmarshalCached(data); err == nil {
			return config, nil
		}
		s.cache.Delete(ctx, key)
	}

	config, err := s.store.GetEnabled(ctx, orgID, protocol)
	if err != nil {
		return nil, err
	}

	// The cached payload includes the client secret; it round-trips
	// through the persisted form, not the outward JSON shape.
	if data, err := marshalCached(config); err == nil {
		s.cache.Set(ctx, key, data, s.ttl)
	}
	return config, nil
}

// GetByID bypasses the cache; administrative reads are not hot-path.
func (s *CachedStore) GetByID(ctx context.Context, id string) (*ProviderConfig, error) {
	return s.store.GetByID(ctx, id)
}

// ListByOrg bypasses the cache.
func (s *CachedStore) ListByOrg(ctx context.Context, orgID string) ([]*ProviderConfig, error) {
	return s.store.ListByOrg(ctx, orgID)
}

// Create persists config and invalidates the organization's cached
// configurations before returning.
func (s *CachedStore) Create(ctx context.Context, config *ProviderConfig) error {
	if err := s.store.Create(ctx, config); err != nil {
		return err
	}
	s.cache.DeleteByPrefix(ctx, orgPrefix(config.OrgID))
	return nil
}

// Update persists config and invalidates the organization's cached
// configurations before returning.
func (s *CachedStore) Update(ctx context.Context, config *ProviderConfig) error {
	if err := s.store.Update(ctx, config); err != nil {
		return err
	}
	s.cache.DeleteByPrefix(ctx, orgPrefix(config.OrgID))
	return nil
}

// Delete removes the configuration and invalidates the organization's
// cached configurations before returning.
func (s *CachedStore) Delete(ctx context.Context, config *ProviderConfig) error {
	if err := s.store.Delete(ctx, config.ID); err != nil {
		return err
	}
	s.cache.DeleteByPrefix(ctx, orgPrefix(config.OrgID))
	return nil
}

// Certificate persistence passes straight through; certificates are read
// at exchange setup, not per request.

func (s *CachedStore) SaveCertificate(ctx context.Context, ownerConfigID string, pemData []byte) error {
	return s.store.SaveCertificate(ctx, ownerConfigID, pemData)
}

func (s *CachedStore) ActiveCertificate(ctx context.Context, ownerConfigID string) ([]byte, error) {
	return s.store.ActiveCertificate(ctx, ownerConfigID)
}

func (s *CachedStore) ListCertificates(ctx context.Context) (map[string][][]byte, error) {
	return s.store.ListCertificates(ctx)
}

// cachedConfig is the cache wire form; it preserves the OIDC client secret
// that ProviderConfig's outward JSON deliberately omits.
type cachedConfig struct {
	ProviderConfig
	OIDCSecret string `json:"oidc_secret,omitempty"`
}

func marshalCached(config *ProviderConfig) ([]byte, error) {
	wrapped := cachedConfig{ProviderConfig: *config}
	if config.OIDC != nil {
		wrapped.OIDCSecret = config.OIDC.ClientSecret
	}
	return json.Marshal(wrapped)
}

func unmarshalCached(data []byte) (*ProviderConfig, error) {
	var wrapped cachedConfig
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	config := wrapped.ProviderConfig
	if config.OIDC != nil {
		oidc := *config.OIDC
		oidc.ClientSecret = wrapped.OIDCSecret
		config.OIDC = &oidc
	}
	return &config, nil
}
