package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslane/crosslane/pkg/attrmap"
	"github.com/crosslane/crosslane/pkg/broker"
	"github.com/crosslane/crosslane/pkg/certs"
	"github.com/crosslane/crosslane/pkg/configstore"
	"github.com/crosslane/crosslane/pkg/errdefs"
	"github.com/crosslane/crosslane/pkg/metadata"
	"github.com/crosslane/crosslane/pkg/provider"
	"github.com/crosslane/crosslane/pkg/provision"
)

type fakeConfigStore struct {
	byID map[string]*configstore.ProviderConfig
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{byID: make(map[string]*configstore.ProviderConfig)}
}

func (s *fakeConfigStore) Create(_ context.Context, config *configstore.ProviderConfig) error {
	if config.ID == "" {
		config.ID = "cfg-" + config.OrgID + "-" + string(config.Protocol)
	}
	copied := *config
	if copied.OIDC != nil {
		oidcCopy := *copied.OIDC
		copied.OIDC = &oidcCopy
	}
	s.byID[config.ID] = &copied
	return nil
}

func (s *fakeConfigStore) Update(_ context.Context, config *configstore.ProviderConfig) error {
	if _, ok := s.byID[config.ID]; !ok {
		return configstore.ErrNotFound
	}
	copied := *config
	if copied.OIDC != nil {
		oidcCopy := *copied.OIDC
		copied.OIDC = &oidcCopy
	}
	s.byID[config.ID] = &copied
	return nil
}

func (s *fakeConfigStore) Delete(_ context.Context, config *configstore.ProviderConfig) error {
	if _, ok := s.byID[config.ID]; !ok {
		return configstore.ErrNotFound
	}
	delete(s.byID, config.ID)
	return nil
}

func (s *fakeConfigStore) GetByID(_ context.Context, id string) (*configstore.ProviderConfig, error) {
	config, ok := s.byID[id]
	if !ok {
		return nil, configstore.ErrNotFound
	}
	copied := *config
	if copied.OIDC != nil {
		oidcCopy := *copied.OIDC
		copied.OIDC = &oidcCopy
	}
	return &copied, nil
}

func (s *fakeConfigStore) ListByOrg(_ context.Context, orgID string) ([]*configstore.ProviderConfig, error) {
	var out []*configstore.ProviderConfig
	for _, config := range s.byID {
		if config.OrgID == orgID {
			copied := *config
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeConfigStore) GetEnabled(_ context.Context, orgID string, protocol configstore.Protocol) (*configstore.ProviderConfig, error) {
	for _, config := range s.byID {
		if config.OrgID == orgID && config.Protocol == protocol && config.Enabled {
			return config, nil
		}
	}
	return nil, configstore.ErrNotFound
}

type fakeHandler struct {
	protocol configstore.Protocol
	identity *provider.Identity
	err      error
}

func (h *fakeHandler) Protocol() configstore.Protocol { return h.protocol }

func (h *fakeHandler) LoginURL(_ context.Context, _ *configstore.ProviderConfig, state string) (string, error) {
	return "https://idp.example.com/authorize?state=" + state, nil
}

func (h *fakeHandler) ResolveIdentity(_ context.Context, _ *configstore.ProviderConfig, _ provider.Payload) (*provider.Identity, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.identity, nil
}

type fakeHandlers struct{ handler *fakeHandler }

func (f *fakeHandlers) Handler(protocol configstore.Protocol) (provider.Handler, error) {
	if f.handler != nil && f.handler.protocol == protocol {
		return f.handler, nil
	}
	return nil, errdefs.Validation("unsupported protocol %q", protocol)
}

type fakeProvisioner struct{}

func (fakeProvisioner) Provision(_ context.Context, orgID, _, subject string, attrs *attrmap.Canonical, _ configstore.ProvisioningSettings) (*provision.User, error) {
	return &provision.User{
		ID:       "user-1",
		OrgID:    orgID,
		Subject:  subject,
		Username: attrs.Username,
		Email:    attrs.Email,
		Groups:   attrs.Groups,
		Active:   true,
	}, nil
}

type fakeSessions struct{}

func (fakeSessions) IssueSession(_ context.Context, user *provision.User, protocol configstore.Protocol) (*provision.Session, error) {
	return &provision.Session{
		ID:        "sess-1",
		UserID:    user.ID,
		OrgID:     user.OrgID,
		Protocol:  string(protocol),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

type memoryCertStore struct{ saved map[string][][]byte }

func (s *memoryCertStore) SaveCertificate(_ context.Context, owner string, pemData []byte) error {
	if s.saved == nil {
		s.saved = make(map[string][][]byte)
	}
	s.saved[owner] = append(s.saved[owner], pemData)
	return nil
}

func (s *memoryCertStore) ActiveCertificate(_ context.Context, owner string) ([]byte, error) {
	certsList := s.saved[owner]
	if len(certsList) == 0 {
		return nil, configstore.ErrNotFound
	}
	return certsList[len(certsList)-1], nil
}

func (s *memoryCertStore) ListCertificates(_ context.Context) (map[string][][]byte, error) {
	return s.saved, nil
}

type testAPI struct {
	router  *mux.Router
	configs *fakeConfigStore
	handler *fakeHandler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	configs := newFakeConfigStore()
	handler := &fakeHandler{
		protocol: configstore.ProtocolOIDC,
		identity: oidcIdentity(),
	}

	b := broker.New(configs, &fakeHandlers{handler: handler}, fakeProvisioner{}, fakeSessions{})
	samlHandler := provider.NewSAMLHandler("https://broker.example.com", &memoryCertStore{})
	handlers := NewHandlers(configs, b, metadata.NewManager(certs.NewManager(nil)), samlHandler)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	return &testAPI{router: router, configs: configs, handler: handler}
}

func oidcIdentity() *provider.Identity {
	raw := make(attrmap.RawAttributes)
	raw.Add("sub", "sub-1")
	raw.Add("email", "jdoe@example.com")
	return &provider.Identity{
		Issuer:     "https://idp.example.com",
		Subject:    "sub-1",
		Attributes: raw,
	}
}

func seedConfig(t *testing.T, api *testAPI) *configstore.ProviderConfig {
	t.Helper()
	config := &configstore.ProviderConfig{
		OrgID:       "org1",
		Protocol:    configstore.ProtocolOIDC,
		DisplayName: "Example IdP",
		Enabled:     true,
		OIDC: &configstore.OIDCSettings{
			Issuer:       "https://idp.example.com",
			ClientID:     "client-1",
			ClientSecret: "shhh",
		},
		MappingRules: []attrmap.Rule{
			{Source: "sub", Target: attrmap.FieldSubject},
			{Source: "email", Target: attrmap.FieldEmail},
		},
	}
	require.NoError(t, api.configs.Create(context.Background(), config))
	return config
}

func TestCreateProvider(t *testing.T) {
	api := newTestAPI(t)

	body := `{
		"protocol": "oidc",
		"display_name": "Example IdP",
		"enabled": true,
		"oidc": {"issuer": "https://idp.example.com", "client_id": "client-1"},
		"client_secret": "shhh",
		"preset": "okta"
	}`
	req := httptest.NewRequest("POST", "/api/orgs/org1/providers", strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var got configstore.ProviderConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "org1", got.OrgID)
	assert.NotEmpty(t, got.MappingRules) // preset applied
	assert.NotContains(t, rec.Body.String(), "shhh")

	stored, err := api.configs.GetByID(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, "shhh", stored.OIDC.ClientSecret)
}

func TestCreateProviderRejectsUnknownProtocol(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest("POST", "/api/orgs/org1/providers", strings.NewReader(`{"protocol": "ldap"}`))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetProviderSanitizesSecret(t *testing.T) {
	api := newTestAPI(t)
	config := seedConfig(t, api)

	req := httptest.NewRequest("GET", "/api/providers/"+config.ID, nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "shhh")
}

func TestGetProviderNotFound(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest("GET", "/api/providers/missing", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateProviderKeepsSecretWhenOmitted(t *testing.T) {
	api := newTestAPI(t)
	config := seedConfig(t, api)

	body := `{
		"protocol": "oidc",
		"display_name": "Renamed IdP",
		"enabled": true,
		"oidc": {"issuer": "https://idp.example.com", "client_id": "client-1"}
	}`
	req := httptest.NewRequest("PUT", "/api/providers/"+config.ID, strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := api.configs.GetByID(context.Background(), config.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed IdP", stored.DisplayName)
	assert.Equal(t, "shhh", stored.OIDC.ClientSecret)
}

func TestDeleteProvider(t *testing.T) {
	api := newTestAPI(t)
	config := seedConfig(t, api)

	req := httptest.NewRequest("DELETE", "/api/providers/"+config.ID, nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := api.configs.GetByID(context.Background(), config.ID)
	assert.ErrorIs(t, err, configstore.ErrNotFound)
}

func TestInitiateLogin(t *testing.T) {
	api := newTestAPI(t)
	seedConfig(t, api)

	req := httptest.NewRequest("GET", "/auth/org1/oidc/login", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "https://idp.example.com/authorize")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, stateCookie, cookies[0].Name)
	assert.Contains(t, location, "state="+cookies[0].Value)
}

func TestInitiateLoginNoProvider(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest("GET", "/auth/org1/oidc/login", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCallbackHappyPath(t *testing.T) {
	api := newTestAPI(t)
	seedConfig(t, api)

	req := httptest.NewRequest("GET", "/auth/org1/oidc/callback?code=abc&state=state-1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "state-1"})
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "sess-1", body["session_id"])
	user := body["user"].(map[string]interface{})
	assert.Equal(t, "user-1", user["id"])
	assert.Equal(t, "jdoe@example.com", user["email"])
}

func TestCallbackStateMismatch(t *testing.T) {
	api := newTestAPI(t)
	seedConfig(t, api)

	req := httptest.NewRequest("GET", "/auth/org1/oidc/callback?code=abc&state=evil", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "state-1"})
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication failed")
	assert.NotContains(t, rec.Body.String(), "evil")
}

func TestCallbackMissingStateCookie(t *testing.T) {
	api := newTestAPI(t)
	seedConfig(t, api)

	req := httptest.NewRequest("GET", "/auth/org1/oidc/callback?code=abc&state=state-1", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackAuthFailureIsOpaque(t *testing.T) {
	api := newTestAPI(t)
	seedConfig(t, api)
	api.handler.err = errdefs.Authentication("kid key-9 not in JWKS")

	req := httptest.NewRequest("GET", "/auth/org1/oidc/callback?code=abc&state=state-1", nil)
	req.AddCookie(&http.Cookie{Name: stateCookie, Value: "state-1"})
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "key-9")
}

func TestSPMetadata(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest("GET", "/auth/org1/saml/metadata", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "samlmetadata+xml")
	assert.Contains(t, rec.Body.String(), "EntityDescriptor")
	assert.Contains(t, rec.Body.String(), "https://broker.example.com/auth/org1/saml/callback")
	assert.NotContains(t, rec.Body.String(), "X509Certificate")
}

func TestSPMetadataPublishesSigningCertificate(t *testing.T) {
	api := newTestAPI(t)
	config := &configstore.ProviderConfig{
		OrgID:    "org1",
		Protocol: configstore.ProtocolSAML,
		Enabled:  true,
		SAML: &configstore.SAMLSettings{
			IdPEntityID:  "https://idp.example.com",
			SSOURL:       "https://idp.example.com/sso",
			SignRequests: true,
		},
	}
	require.NoError(t, api.configs.Create(context.Background(), config))

	req := httptest.NewRequest("GET", "/auth/org1/saml/metadata", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "KeyDescriptor")
	assert.Contains(t, rec.Body.String(), "X509Certificate")
	assert.Contains(t, rec.Body.String(), `use="signing"`)
}

func TestGetPreset(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest("GET", "/api/presets/azuread", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rules []attrmap.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.NotEmpty(t, rules)

	req = httptest.NewRequest("GET", "/api/presets/unknown", nil)
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
