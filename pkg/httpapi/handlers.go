// Package httpapi exposes the broker over HTTP. Handlers stay thin:
// they translate requests into broker and store calls and map error kinds
// to status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/crosslane/crosslane/pkg/broker"
	"github.com/crosslane/crosslane/pkg/configstore"
	"github.com/crosslane/crosslane/pkg/errdefs"
	"github.com/crosslane/crosslane/pkg/metadata"
	"github.com/crosslane/crosslane/pkg/provider"
)

// ConfigStore is the provider configuration surface the API needs.
type ConfigStore interface {
	Create(ctx context.Context, config *configstore.ProviderConfig) error
	Update(ctx context.Context, config *configstore.ProviderConfig) error
	Delete(ctx context.Context, config *configstore.ProviderConfig) error
	GetByID(ctx context.Context, id string) (*configstore.ProviderConfig, error)
	GetEnabled(ctx context.Context, orgID string, protocol configstore.Protocol) (*configstore.ProviderConfig, error)
	ListByOrg(ctx context.Context, orgID string) ([]*configstore.ProviderConfig, error)
}

// Handlers wires the HTTP surface.
type Handlers struct {
	configs  ConfigStore
	broker   *broker.Broker
	metadata *metadata.Manager
	saml     *provider.SAMLHandler
	log      *logrus.Entry
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(configs ConfigStore, b *broker.Broker, metadataManager *metadata.Manager, saml *provider.SAMLHandler) *Handlers {
	return &Handlers{
		configs:  configs,
		broker:   b,
		metadata: metadataManager,
		saml:     saml,
		log:      logrus.WithField("component", "httpapi"),
	}
}

// RegisterRoutes registers all broker routes on router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Provider configuration
	router.HandleFunc("/api/orgs/{org}/providers", h.listProviders).Methods("GET")
	router.HandleFunc("/api/orgs/{org}/providers", h.createProvider).Methods("POST")
	router.HandleFunc("/api/providers/{id}", h.getProvider).Methods("GET")
	router.HandleFunc("/api/providers/{id}", h.updateProvider).Methods("PUT")
	router.HandleFunc("/api/providers/{id}", h.deleteProvider).Methods("DELETE")
	router.HandleFunc("/api/presets/{name}", h.getPreset).Methods("GET")

	// Authentication flow
	router.HandleFunc("/auth/{org}/{protocol}/login", h.initiateLogin).Methods("GET")
	router.HandleFunc("/auth/{org}/{protocol}/callback", h.handleCallback).Methods("GET", "POST")

	// SP metadata
	router.HandleFunc("/auth/{org}/saml/metadata", h.spMetadata).Methods("GET")
}

func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	configs, err := h.configs.ListByOrg(r.Context(), orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, config := range configs {
		sanitize(config)
	}
	h.writeJSON(w, http.StatusOK, configs)
}

func (h *Handlers) createProvider(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]

	var body providerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errdefs.Validation("invalid request body: %v", err))
		return
	}
	config := body.ProviderConfig
	config.OrgID = orgID
	if body.ClientSecret != "" && config.OIDC != nil {
		config.OIDC.ClientSecret = body.ClientSecret
	}

	if !config.Protocol.Valid() {
		h.writeError(w, errdefs.Validation("protocol must be saml or oidc"))
		return
	}

	// A named preset seeds the mapping rules when none are given.
	if body.Preset != "" && len(config.MappingRules) == 0 {
		rules, err := provider.PresetMapping(body.Preset)
		if err != nil {
			h.writeError(w, err)
			return
		}
		config.MappingRules = rules
	}

	if err := h.configs.Create(r.Context(), &config); err != nil {
		h.writeError(w, err)
		return
	}
	sanitize(&config)
	h.writeJSON(w, http.StatusCreated, &config)
}

func (h *Handlers) getProvider(w http.ResponseWriter, r *http.Request) {
	config, err := h.configs.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	sanitize(config)
	h.writeJSON(w, http.StatusOK, config)
}

func (h *Handlers) updateProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	existing, err := h.configs.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var body providerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, errdefs.Validation("invalid request body: %v", err))
		return
	}
	config := body.ProviderConfig
	config.ID = id
	config.OrgID = existing.OrgID
	if config.Protocol == "" {
		config.Protocol = existing.Protocol
	}
	if config.OIDC != nil {
		// An omitted client secret keeps the stored one.
		config.OIDC.ClientSecret = body.ClientSecret
		if config.OIDC.ClientSecret == "" && existing.OIDC != nil {
			config.OIDC.ClientSecret = existing.OIDC.ClientSecret
		}
	}

	if err := h.configs.Update(r.Context(), &config); err != nil {
		h.writeError(w, err)
		return
	}
	sanitize(&config)
	h.writeJSON(w, http.StatusOK, &config)
}

func (h *Handlers) deleteProvider(w http.ResponseWriter, r *http.Request) {
	config, err := h.configs.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.configs.Delete(r.Context(), config); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) getPreset(w http.ResponseWriter, r *http.Request) {
	rules, err := provider.PresetMapping(mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rules)
}

func (h *Handlers) initiateLogin(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	loginURL, state, err := h.broker.LoginURL(r.Context(), vars["org"], configstore.Protocol(vars["protocol"]))
	if err != nil {
		h.writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func (h *Handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	protocol := configstore.Protocol(vars["protocol"])

	payload, err := callbackPayload(r, protocol)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.checkState(r, payload); err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.broker.Authenticate(r.Context(), vars["org"], protocol, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": result.Session.ID,
		"expires_at": result.Session.ExpiresAt,
		"user": map[string]interface{}{
			"id":       result.User.ID,
			"username": result.User.Username,
			"email":    result.User.Email,
			"groups":   result.User.Groups,
		},
	})
}

func (h *Handlers) spMetadata(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]

	spConfig := metadata.SPConfig{
		EntityID:             h.saml.EntityID(orgID),
		ACSURL:               h.saml.CallbackURL(orgID),
		WantAssertionsSigned: true,
	}

	// The signing certificate is published when the org signs its
	// requests; metadata for a provider that never signs omits it.
	config, err := h.configs.GetEnabled(r.Context(), orgID, configstore.ProtocolSAML)
	switch {
	case errors.Is(err, configstore.ErrNotFound):
		// No SAML provider yet; serve unsigned metadata so the org can
		// register the SP at the IdP before finishing configuration.
	case err != nil:
		h.writeError(w, err)
		return
	case config.SAML != nil && config.SAML.SignRequests:
		cert, err := h.saml.SigningCertificate(r.Context(), config)
		if err != nil {
			h.writeError(w, err)
			return
		}
		spConfig.Certificate = cert
		spConfig.SignRequests = true
	}

	xmlData, err := h.metadata.GenerateSPMetadata(spConfig)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(xmlData)
}

const stateCookie = "crosslane_auth_state"

// callbackPayload extracts the protocol payload from the callback request.
func callbackPayload(r *http.Request, protocol configstore.Protocol) (provider.Payload, error) {
	switch protocol {
	case configstore.ProtocolSAML:
		if err := r.ParseForm(); err != nil {
			return provider.Payload{}, errdefs.Validation("malformed callback form: %v", err)
		}
		return provider.Payload{
			SAMLResponse: r.FormValue("SAMLResponse"),
			RelayState:   r.FormValue("RelayState"),
		}, nil
	case configstore.ProtocolOIDC:
		query := r.URL.Query()
		return provider.Payload{
			Code:       query.Get("code"),
			RelayState: query.Get("state"),
		}, nil
	default:
		return provider.Payload{}, errdefs.Validation("unsupported protocol %q", protocol)
	}
}

// checkState compares the round-tripped state with the login cookie.
func (h *Handlers) checkState(r *http.Request, payload provider.Payload) error {
	cookie, err := r.Cookie(stateCookie)
	if err != nil {
		return errdefs.Authentication("callback without a state cookie")
	}
	if payload.RelayState == "" || payload.RelayState != cookie.Value {
		return errdefs.Authentication(fmt.Sprintf(
			"state mismatch: cookie %q vs callback %q", cookie.Value, payload.RelayState))
	}
	return nil
}

// providerRequest is the create/update request body.
type providerRequest struct {
	configstore.ProviderConfig
	// Preset names a well-known IdP whose mapping rules seed the config.
	Preset string `json:"preset,omitempty"`

	// ClientSecret is accepted on input even though configurations never
	// serialize it outward.
	ClientSecret string `json:"client_secret,omitempty"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Error("failed to encode response")
	}
}

// writeError maps error kinds to HTTP statuses. Authentication errors
// reach clients as the generic message only; the detail goes to the log.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, configstore.ErrNotFound):
		status = http.StatusNotFound
	case errdefs.IsValidation(err):
		status = http.StatusBadRequest
	case errdefs.IsConfiguration(err):
		status = http.StatusConflict
	case errdefs.IsAuthentication(err):
		status = http.StatusUnauthorized
	case errdefs.IsProvisioning(err):
		status = http.StatusForbidden
	case errdefs.IsMetadata(err), errdefs.IsCertificate(err):
		status = http.StatusUnprocessableEntity
	}

	if detail := errdefs.DetailOf(err); detail != "" && errdefs.IsAuthentication(err) {
		h.log.WithField("detail", detail).Warn("authentication rejected")
	}

	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// sanitize strips secrets from a config before it leaves the API.
func sanitize(config *configstore.ProviderConfig) {
	if config.OIDC != nil {
		config.OIDC.ClientSecret = ""
	}
}
