// Package broker orchestrates a single sign-on exchange end to end:
// provider resolution, protocol exchange, attribute mapping, user
// provisioning, and session issuance.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crosslane/crosslane/pkg/attrmap"
	"github.com/crosslane/crosslane/pkg/configstore"
	"github.com/crosslane/crosslane/pkg/errdefs"
	"github.com/crosslane/crosslane/pkg/provider"
	"github.com/crosslane/crosslane/pkg/provision"
)

// State is a stage of an authentication transaction. Transitions move
// strictly forward; a failure from any stage lands in StateFailed and the
// transaction never resumes.
type State string

const (
	StateInitiated          State = "initiated"
	StateProviderResolved   State = "provider_resolved"
	StateExchangeInProgress State = "exchange_in_progress"
	StateAttributesMapped   State = "attributes_mapped"
	StateUserResolved       State = "user_resolved"
	StateSessionIssued      State = "session_issued"
	StateFailed             State = "failed"
)

// Transaction tracks one authentication attempt through its states.
type Transaction struct {
	ID        string
	OrgID     string
	Protocol  configstore.Protocol
	State     State
	StartedAt time.Time

	// Err records the failure that moved the transaction to StateFailed.
	Err error
}

// Result is a completed authentication.
type Result struct {
	Transaction *Transaction
	User        *provision.User
	Session     *provision.Session
	Attributes  *attrmap.Canonical
}

// ConfigSource supplies the enabled provider configuration for an
// organization and protocol.
type ConfigSource interface {
	GetEnabled(ctx context.Context, orgID string, protocol configstore.Protocol) (*configstore.ProviderConfig, error)
}

// HandlerSource dispatches to the protocol handler set.
type HandlerSource interface {
	Handler(protocol configstore.Protocol) (provider.Handler, error)
}

// SessionIssuer mints a session for a resolved user.
type SessionIssuer interface {
	IssueSession(ctx context.Context, user *provision.User, protocol configstore.Protocol) (*provision.Session, error)
}

// Provisioner resolves a validated identity to a local user.
type Provisioner interface {
	Provision(ctx context.Context, orgID, issuer, subject string, attrs *attrmap.Canonical, settings configstore.ProvisioningSettings) (*provision.User, error)
}

// Broker runs authentication transactions.
type Broker struct {
	configs  ConfigSource
	handlers HandlerSource
	users    Provisioner
	sessions SessionIssuer
	tracer   trace.Tracer
	log      *logrus.Entry
}

// New creates a broker.
func New(configs ConfigSource, handlers HandlerSource, users Provisioner, sessions SessionIssuer) *Broker {
	return &Broker{
		configs:  configs,
		handlers: handlers,
		users:    users,
		sessions: sessions,
		tracer:   otel.Tracer("crosslane/broker"),
		log:      logrus.WithField("component", "broker"),
	}
}

// LoginURL starts a login by returning the IdP redirect URL and the state
// value that must round-trip through the IdP.
func (b *Broker) LoginURL(ctx context.Context, orgID string, protocol configstore.Protocol) (string, string, error) {
	config, err := b.loadConfig(ctx, orgID, protocol)
	if err != nil {
		return "", "", err
	}
	handler, err := b.handlers.Handler(protocol)
	if err != nil {
		return "", "", err
	}

	state := uuid.NewString()
	loginURL, err := handler.LoginURL(ctx, config, state)
	if err != nil {
		return "", "", err
	}
	return loginURL, state, nil
}

// Authenticate runs the full exchange for a provider callback. The
// configuration is resolved before any outbound call, so a disabled or
// absent provider fails without touching the network. Errors returned to
// callers keep authentication failures opaque; the detail is logged here.
func (b *Broker) Authenticate(ctx context.Context, orgID string, protocol configstore.Protocol, payload provider.Payload) (*Result, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Authenticate",
		trace.WithAttributes(
			attribute.String("sso.org_id", orgID),
			attribute.String("sso.protocol", string(protocol)),
		))
	defer span.End()

	tx := &Transaction{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Protocol:  protocol,
		State:     StateInitiated,
		StartedAt: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("sso.transaction_id", tx.ID))
	b.logTransition(tx, nil)

	config, err := b.loadConfig(ctx, orgID, protocol)
	if err != nil {
		return nil, b.fail(tx, err)
	}
	handler, err := b.handlers.Handler(protocol)
	if err != nil {
		return nil, b.fail(tx, err)
	}
	b.advance(tx, StateProviderResolved)

	b.advance(tx, StateExchangeInProgress)
	identity, err := handler.ResolveIdentity(ctx, config, payload)
	if err != nil {
		return nil, b.fail(tx, err)
	}

	canonical, err := attrmap.Map(identity.Attributes, mappingRules(config, protocol))
	if err != nil {
		return nil, b.fail(tx, err)
	}
	b.advance(tx, StateAttributesMapped)

	user, err := b.users.Provision(ctx, orgID, identity.Issuer, canonical.Subject, canonical, config.Provisioning)
	if err != nil {
		return nil, b.fail(tx, err)
	}
	b.advance(tx, StateUserResolved)

	session, err := b.sessions.IssueSession(ctx, user, protocol)
	if err != nil {
		return nil, b.fail(tx, err)
	}
	b.advance(tx, StateSessionIssued)

	return &Result{
		Transaction: tx,
		User:        user,
		Session:     session,
		Attributes:  canonical,
	}, nil
}

func (b *Broker) loadConfig(ctx context.Context, orgID string, protocol configstore.Protocol) (*configstore.ProviderConfig, error) {
	if !protocol.Valid() {
		return nil, errdefs.Validation("unsupported protocol %q", protocol)
	}
	config, err := b.configs.GetEnabled(ctx, orgID, protocol)
	if errors.Is(err, configstore.ErrNotFound) {
		return nil, errdefs.Configuration("no enabled %s provider for organization %s", protocol, orgID)
	}
	if err != nil {
		return nil, err
	}
	if !config.Enabled {
		return nil, errdefs.Configuration("the %s provider for organization %s is disabled", protocol, orgID)
	}
	return config, nil
}

// mappingRules returns the configured rules, prepending a protocol
// default subject rule when none targets the subject field.
func mappingRules(config *configstore.ProviderConfig, protocol configstore.Protocol) []attrmap.Rule {
	for _, rule := range config.MappingRules {
		if rule.Target == attrmap.FieldSubject {
			return config.MappingRules
		}
	}
	source := "sub"
	if protocol == configstore.ProtocolSAML {
		source = "name_id"
	}
	return append([]attrmap.Rule{{Source: source, Target: attrmap.FieldSubject}}, config.MappingRules...)
}

// advance moves tx forward one stage.
func (b *Broker) advance(tx *Transaction, next State) {
	tx.State = next
	b.logTransition(tx, nil)
}

// fail moves tx to StateFailed and returns the error unchanged. The
// underlying detail of authentication failures is logged here and nowhere
// closer to the caller.
func (b *Broker) fail(tx *Transaction, err error) error {
	tx.State = StateFailed
	tx.Err = err
	b.logTransition(tx, err)
	return err
}

// ProvisionSessionIssuer issues sessions through the provisioning store.
type ProvisionSessionIssuer struct {
	svc *provision.Service
	ttl time.Duration
}

// NewProvisionSessionIssuer creates a session issuer with the given
// lifetime; a non-positive ttl falls back to the provisioning default.
func NewProvisionSessionIssuer(svc *provision.Service, ttl time.Duration) *ProvisionSessionIssuer {
	return &ProvisionSessionIssuer{svc: svc, ttl: ttl}
}

func (i *ProvisionSessionIssuer) IssueSession(ctx context.Context, user *provision.User, protocol configstore.Protocol) (*provision.Session, error) {
	return i.svc.CreateSession(ctx, user, string(protocol), i.ttl)
}

func (b *Broker) logTransition(tx *Transaction, err error) {
	fields := logrus.Fields{
		"transaction": tx.ID,
		"org":         tx.OrgID,
		"protocol":    tx.Protocol,
		"state":       tx.State,
	}
	if err == nil {
		b.log.WithFields(fields).Info("transaction state change")
		return
	}
	if detail := errdefs.DetailOf(err); detail != "" {
		fields["detail"] = detail
	}
	b.log.WithFields(fields).WithError(err).Warn("transaction failed")
}
