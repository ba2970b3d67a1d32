package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/realmctl/internal/config"
	"github.com/danmuck/realmctl/internal/keycloak"
	"github.com/danmuck/realmctl/internal/observability"
	"github.com/danmuck/realmctl/internal/retry"
	"github.com/rs/zerolog"
)

// IntrospectRole is the realm role attached to the confidential client when defined.
const IntrospectRole = "introspect"

// Admin is the slice of the identity-provider admin API the workflow needs.
type Admin interface {
	Authenticate(ctx context.Context) (keycloak.Session, error)
	CheckRealm(ctx context.Context, s keycloak.Session, realm string) (bool, error)
	CreateRealm(ctx context.Context, s keycloak.Session, realm keycloak.Realm) error
	DeleteRealm(ctx context.Context, s keycloak.Session, realm string) error
	CheckClient(ctx context.Context, s keycloak.Session, realm, clientID string) (bool, error)
	CreateClient(ctx context.Context, s keycloak.Session, realm string, client keycloak.Client) (string, error)
	RealmRoles(ctx context.Context, s keycloak.Session, realm string) ([]keycloak.Role, error)
	AttachRole(ctx context.Context, s keycloak.Session, realm, clientUUID string, role keycloak.Role) error
	CheckUser(ctx context.Context, s keycloak.Session, realm, username string) (bool, error)
	CreateUser(ctx context.Context, s keycloak.Session, realm string, user keycloak.User) error
}

// Report is the terminal result of Run. Err is nil when Succeeded.
type Report struct {
	Succeeded bool
	Attempts  int
	Err       error
}

// Provisioner drives the fixed workflow against one Admin.
type Provisioner struct {
	cfg     config.Config
	admin   Admin
	sleeper retry.Sleeper
	logger  zerolog.Logger
}

type Option func(*Provisioner)

// WithSleeper replaces the real timer between attempts.
func WithSleeper(s retry.Sleeper) Option {
	return func(p *Provisioner) {
		p.sleeper = s
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Provisioner) {
		p.logger = l
	}
}

// New validates cfg before any remote call is made.
func New(cfg config.Config, admin Admin, opts ...Option) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if admin == nil {
		return nil, errors.New("provision: admin required")
	}
	p := &Provisioner{
		cfg:     cfg,
		admin:   admin,
		sleeper: retry.TimerSleeper{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run repeats the workflow until one attempt completes or the retry budget
// is spent. It never panics on remote failure; the Report carries the outcome.
func (p *Provisioner) Run(ctx context.Context) Report {
	policy := retry.Policy{
		MaxAttempts: p.cfg.MaxRetries,
		Interval:    p.cfg.RetryInterval(),
	}
	runner := retry.NewRunner(policy, p.sleeper, retry.Hooks{
		OnFailure: func(attempt int, err error, next time.Duration) {
			ev := p.logger.Error().Err(err).Int("attempt", attempt).Int("max_attempts", policy.MaxAttempts)
			if detail := remoteDetail(err); detail != nil {
				ev = ev.Dict("response", detail)
			}
			ev.Msg("provisioning attempt failed")
			if attempt < policy.MaxAttempts {
				p.logger.Info().
					Dur("retry_in", next).
					Msgf("retrying in %s (%d/%d)", next, attempt, policy.MaxAttempts)
			}
		},
	})

	out := runner.Do(ctx, func(ctx context.Context, attempt int) error {
		err := p.attempt(ctx)
		observability.RecordAttempt(err == nil)
		return err
	})
	if out.Succeeded() {
		p.logger.Info().Str("realm", p.cfg.RealmName).Int("attempts", out.Attempts).Msg("provisioning completed")
		return Report{Succeeded: true, Attempts: out.Attempts}
	}
	p.logger.Error().Err(out.Err).Int("attempts", out.Attempts).Msg("provisioning failed after all attempts")
	return Report{Attempts: out.Attempts, Err: out.Err}
}

// attempt runs every step once, in order, on a fresh session.
func (p *Provisioner) attempt(ctx context.Context) error {
	s, err := p.admin.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if p.cfg.RecreateRealm {
		if err := p.EnsureRealmAbsent(ctx, s); err != nil {
			return err
		}
	}
	if err := p.EnsureRealm(ctx, s); err != nil {
		return err
	}
	if err := p.EnsureClient(ctx, s, p.cfg.FrontendClientID, true); err != nil {
		return err
	}
	if err := p.EnsureClient(ctx, s, p.cfg.BackendClientID, false); err != nil {
		return err
	}
	return p.EnsureUser(ctx, s)
}

// EnsureRealmAbsent deletes the realm when it exists.
func (p *Provisioner) EnsureRealmAbsent(ctx context.Context, s keycloak.Session) error {
	realm := p.cfg.RealmName
	exists, err := p.admin.CheckRealm(ctx, s, realm)
	if err != nil {
		return fmt.Errorf("check realm %q: %w", realm, err)
	}
	if !exists {
		return nil
	}
	if err := p.admin.DeleteRealm(ctx, s, realm); err != nil {
		return fmt.Errorf("delete realm %q: %w", realm, err)
	}
	observability.RecordResource("realm", observability.ActionDeleted)
	p.logger.Info().Str("realm", realm).Msg("realm deleted")
	return nil
}

func (p *Provisioner) EnsureRealm(ctx context.Context, s keycloak.Session) error {
	realm := p.cfg.RealmName
	exists, err := p.admin.CheckRealm(ctx, s, realm)
	if err != nil {
		return fmt.Errorf("check realm %q: %w", realm, err)
	}
	if exists {
		observability.RecordResource("realm", observability.ActionExisting)
		p.logger.Info().Str("realm", realm).Msg("realm already exists")
		return nil
	}
	if err := p.admin.CreateRealm(ctx, s, p.realmRepresentation()); err != nil {
		return fmt.Errorf("create realm %q: %w", realm, err)
	}
	observability.RecordResource("realm", observability.ActionCreated)
	p.logger.Info().Str("realm", realm).Msg("realm created")
	return nil
}

// EnsureClient creates clientID when absent. A confidential client gets the
// introspect realm role attached right after creation when the realm defines it.
func (p *Provisioner) EnsureClient(ctx context.Context, s keycloak.Session, clientID string, public bool) error {
	realm := p.cfg.RealmName
	exists, err := p.admin.CheckClient(ctx, s, realm, clientID)
	if err != nil {
		return fmt.Errorf("check client %q: %w", clientID, err)
	}
	if exists {
		observability.RecordResource("client", observability.ActionExisting)
		p.logger.Info().Str("realm", realm).Str("client_id", clientID).Msg("client already exists")
		return nil
	}

	id, err := p.admin.CreateClient(ctx, s, realm, p.clientRepresentation(clientID, public))
	if err != nil {
		return fmt.Errorf("create client %q: %w", clientID, err)
	}
	observability.RecordResource("client", observability.ActionCreated)
	p.logger.Info().Str("realm", realm).Str("client_id", clientID).Bool("public", public).Msg("client created")
	if public {
		return nil
	}

	roles, err := p.admin.RealmRoles(ctx, s, realm)
	if err != nil {
		return fmt.Errorf("list roles for client %q: %w", clientID, err)
	}
	role, ok := findRole(roles, IntrospectRole)
	if !ok {
		p.logger.Debug().Str("realm", realm).Str("role", IntrospectRole).Msg("role not defined, skipping attachment")
		return nil
	}
	if err := p.admin.AttachRole(ctx, s, realm, id, role); err != nil {
		return fmt.Errorf("attach role %q to client %q: %w", IntrospectRole, clientID, err)
	}
	observability.RecordResource("client_role", observability.ActionAttached)
	p.logger.Info().Str("realm", realm).Str("client_id", clientID).Str("role", IntrospectRole).Msg("role attached")
	return nil
}

func (p *Provisioner) EnsureUser(ctx context.Context, s keycloak.Session) error {
	realm := p.cfg.RealmName
	username := p.cfg.TestUsername
	exists, err := p.admin.CheckUser(ctx, s, realm, username)
	if err != nil {
		return fmt.Errorf("check user %q: %w", username, err)
	}
	if exists {
		observability.RecordResource("user", observability.ActionExisting)
		p.logger.Info().Str("realm", realm).Str("username", username).Msg("user already exists")
		return nil
	}
	user := keycloak.User{
		Username:    username,
		Enabled:     true,
		Credentials: []keycloak.Credential{keycloak.PasswordCredential(p.cfg.TestPassword)},
	}
	if err := p.admin.CreateUser(ctx, s, realm, user); err != nil {
		return fmt.Errorf("create user %q: %w", username, err)
	}
	observability.RecordResource("user", observability.ActionCreated)
	p.logger.Info().Str("realm", realm).Str("username", username).Msg("user created")
	return nil
}

func (p *Provisioner) realmRepresentation() keycloak.Realm {
	r := keycloak.Realm{Realm: p.cfg.RealmName, Enabled: true}
	if p.cfg.ContentSecurityPolicy != "" {
		r.BrowserSecurityHeaders = map[string]string{
			"contentSecurityPolicy": p.cfg.ContentSecurityPolicy,
		}
	}
	return r
}

func (p *Provisioner) clientRepresentation(clientID string, public bool) keycloak.Client {
	c := keycloak.Client{
		ClientID:                  clientID,
		Enabled:                   true,
		PublicClient:              public,
		RedirectURIs:              append([]string{}, p.cfg.RedirectURIs...),
		WebOrigins:                append([]string{}, p.cfg.WebOrigins...),
		DirectAccessGrantsEnabled: true,
	}
	if !public {
		c.Secret = p.cfg.ClientSecret
	}
	return c
}

func findRole(roles []keycloak.Role, name string) (keycloak.Role, bool) {
	for _, r := range roles {
		if r.Name == name {
			return r, true
		}
	}
	return keycloak.Role{}, false
}

func remoteDetail(err error) *zerolog.Event {
	var remote *keycloak.RemoteError
	if !errors.As(err, &remote) {
		return nil
	}
	return zerolog.Dict().
		Str("method", remote.Method).
		Str("path", remote.Path).
		Int("status", remote.Status).
		Str("body", remote.Body).
		Str("request_id", remote.RequestID)
}
