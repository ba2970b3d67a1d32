// Package keycloak is the HTTP side of the identity-provider admin API,
// built on gocloak.
//
// Every method is a single blocking request/response exchange. Nothing is
// cached between calls: the session is passed in explicitly.
package keycloak

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Nerzal/gocloak/v13"
	"github.com/danmuck/realmctl/internal/observability"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AdminConfig configures an AdminClient.
type AdminConfig struct {
	BaseURL   string
	AuthRealm string // realm the admin user lives in, usually "master"
	ClientID  string // usually "admin-cli"
	Username  string
	Password  string
	// Timeout of zero leaves requests without a client-side deadline.
	Timeout time.Duration
	// CAFile adds a PEM bundle to the trusted roots. Ignored when Transport is set.
	CAFile    string
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// AdminClient talks to the admin REST endpoints of one identity-provider instance.
type AdminClient struct {
	gc        *gocloak.GoCloak
	baseURL   string
	authRealm string
	clientID  string
	username  string
	password  string
}

type requestIDKey struct{}

func NewAdminClient(cfg AdminConfig) (*AdminClient, error) {
	authRealm := strings.TrimSpace(cfg.AuthRealm)
	if authRealm == "" {
		authRealm = "master"
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "admin-cli"
	}
	base := cfg.Transport
	if base == nil && strings.TrimSpace(cfg.CAFile) != "" {
		tlsCfg, err := rootCAConfig(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = tlsCfg
		base = t
	}

	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	gc := gocloak.NewClient(baseURL)
	rc := gc.RestyClient()
	rc.SetTransport(observability.NewTransport(base, cfg.Logger))
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
			r.SetHeader("X-Request-ID", id)
		}
		return nil
	})

	return &AdminClient{
		gc:        gc,
		baseURL:   baseURL,
		authRealm: authRealm,
		clientID:  clientID,
		username:  cfg.Username,
		password:  cfg.Password,
	}, nil
}

func rootCAConfig(caFile string) (*tls.Config, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("keycloak: read ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("keycloak: ca file %s holds no certificates", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// call tags ctx with the metrics route and a fresh request id.
func call(ctx context.Context, route string) (context.Context, string) {
	id := uuid.NewString()
	ctx = observability.WithRoute(ctx, route)
	return context.WithValue(ctx, requestIDKey{}, id), id
}

// Authenticate runs a password grant against the admin realm.
func (c *AdminClient) Authenticate(ctx context.Context) (Session, error) {
	ctx, id := call(ctx, "token")
	tok, err := c.gc.GetToken(ctx, c.authRealm, gocloak.TokenOptions{
		ClientID:  gocloak.StringP(c.clientID),
		GrantType: gocloak.StringP("password"),
		Username:  gocloak.StringP(c.username),
		Password:  gocloak.StringP(c.password),
	})
	if err != nil {
		err = remoteError(http.MethodPost, "/realms/"+c.authRealm+"/protocol/openid-connect/token", id, err)
		var remote *RemoteError
		if errors.As(err, &remote) && (remote.Status == http.StatusBadRequest || remote.Status == http.StatusUnauthorized) {
			return Session{}, fmt.Errorf("%w: %w", ErrAuthentication, remote)
		}
		return Session{}, err
	}
	if tok == nil || tok.AccessToken == "" {
		return Session{}, fmt.Errorf("%w: token response carried no access_token", ErrAuthentication)
	}
	return Session{AccessToken: tok.AccessToken, TokenType: tok.TokenType, ExpiresIn: tok.ExpiresIn}, nil
}

// CheckRealm reports whether the realm exists. 404 is a negative answer, not an error.
func (c *AdminClient) CheckRealm(ctx context.Context, s Session, realm string) (bool, error) {
	ctx, id := call(ctx, "realm")
	_, err := c.gc.GetRealm(ctx, s.AccessToken, realm)
	if err == nil {
		return true, nil
	}
	err = remoteError(http.MethodGet, realmPath(realm), id, err)
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (c *AdminClient) CreateRealm(ctx context.Context, s Session, realm Realm) error {
	ctx, id := call(ctx, "realms")
	if _, err := c.gc.CreateRealm(ctx, s.AccessToken, realm.representation()); err != nil {
		return remoteError(http.MethodPost, "/admin/realms", id, err)
	}
	return nil
}

func (c *AdminClient) DeleteRealm(ctx context.Context, s Session, realm string) error {
	ctx, id := call(ctx, "realm")
	if err := c.gc.DeleteRealm(ctx, s.AccessToken, realm); err != nil {
		return remoteError(http.MethodDelete, realmPath(realm), id, err)
	}
	return nil
}

func (c *AdminClient) ListClients(ctx context.Context, s Session, realm string) ([]Client, error) {
	ctx, id := call(ctx, "clients")
	got, err := c.gc.GetClients(ctx, s.AccessToken, realm, gocloak.GetClientsParams{})
	if err != nil {
		return nil, remoteError(http.MethodGet, realmPath(realm)+"/clients", id, err)
	}
	out := make([]Client, 0, len(got))
	for _, cl := range got {
		if cl != nil {
			out = append(out, clientFrom(cl))
		}
	}
	return out, nil
}

// CheckClient lists the realm's clients and matches on clientId.
func (c *AdminClient) CheckClient(ctx context.Context, s Session, realm, clientID string) (bool, error) {
	clients, err := c.ListClients(ctx, s, realm)
	if err != nil {
		return false, err
	}
	for _, cl := range clients {
		if cl.ClientID == clientID {
			return true, nil
		}
	}
	return false, nil
}

// CreateClient creates the client and returns the internal id taken from
// the Location header of the response.
func (c *AdminClient) CreateClient(ctx context.Context, s Session, realm string, client Client) (string, error) {
	ctx, id := call(ctx, "clients")
	created, err := c.gc.CreateClient(ctx, s.AccessToken, realm, client.representation())
	if err != nil {
		return "", remoteError(http.MethodPost, realmPath(realm)+"/clients", id, err)
	}
	if created == "" {
		return "", fmt.Errorf("keycloak: create client %q: response carried no Location", client.ClientID)
	}
	return created, nil
}

func (c *AdminClient) RealmRoles(ctx context.Context, s Session, realm string) ([]Role, error) {
	ctx, id := call(ctx, "roles")
	got, err := c.gc.GetRealmRoles(ctx, s.AccessToken, realm, gocloak.GetRoleParams{})
	if err != nil {
		return nil, remoteError(http.MethodGet, realmPath(realm)+"/roles", id, err)
	}
	out := make([]Role, 0, len(got))
	for _, r := range got {
		if r != nil {
			out = append(out, roleFrom(r))
		}
	}
	return out, nil
}

// AttachRole assigns a realm role to the client with internal id clientUUID.
// gocloak has no call for this body shape, so the request goes through its
// authenticated resty request.
func (c *AdminClient) AttachRole(ctx context.Context, s Session, realm, clientUUID string, role Role) error {
	ctx, id := call(ctx, "client_roles")
	p := realmPath(realm) + "/clients/" + url.PathEscape(clientUUID) + "/roles"
	resp, err := c.gc.GetRequestWithBearerAuth(ctx, s.AccessToken).
		SetBody(roleAssignment{Role: role}).
		Post(c.baseURL + p)
	if err != nil {
		return fmt.Errorf("keycloak: %s %s: %w", http.MethodPost, p, err)
	}
	if resp.IsError() {
		return &RemoteError{
			Method:    http.MethodPost,
			Path:      p,
			Status:    resp.StatusCode(),
			Body:      strings.TrimSpace(resp.String()),
			RequestID: id,
		}
	}
	return nil
}

// CheckUser queries users by exact username.
func (c *AdminClient) CheckUser(ctx context.Context, s Session, realm, username string) (bool, error) {
	ctx, id := call(ctx, "users")
	got, err := c.gc.GetUsers(ctx, s.AccessToken, realm, gocloak.GetUsersParams{
		Username: gocloak.StringP(username),
		Exact:    gocloak.BoolP(true),
	})
	if err != nil {
		return false, remoteError(http.MethodGet, realmPath(realm)+"/users", id, err)
	}
	return len(got) > 0, nil
}

func (c *AdminClient) CreateUser(ctx context.Context, s Session, realm string, user User) error {
	ctx, id := call(ctx, "users")
	if _, err := c.gc.CreateUser(ctx, s.AccessToken, realm, user.representation()); err != nil {
		return remoteError(http.MethodPost, realmPath(realm)+"/users", id, err)
	}
	return nil
}

// remoteError turns a gocloak status error into a RemoteError. Transport
// failures carry no status and are wrapped as they are.
func remoteError(method, p, requestID string, err error) error {
	var apiErr *gocloak.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &RemoteError{
			Method:    method,
			Path:      p,
			Status:    apiErr.Code,
			Body:      apiErr.Message,
			RequestID: requestID,
		}
	}
	return fmt.Errorf("keycloak: %s %s: %w", method, p, err)
}

func realmPath(realm string) string {
	return "/admin/realms/" + url.PathEscape(realm)
}
