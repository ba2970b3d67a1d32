package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/danmuck/realmctl/internal/testutil/fakeidp"
	"github.com/danmuck/realmctl/internal/testutil/testlog"
	"github.com/danmuck/realmctl/internal/testutil/tlstest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *fakeidp.Server) *AdminClient {
	t.Helper()
	c, err := NewAdminClient(AdminConfig{
		BaseURL:  srv.URL() + "/",
		Username: srv.AdminUser,
		Password: srv.AdminPassword,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func login(t *testing.T, c *AdminClient) Session {
	t.Helper()
	s, err := c.Authenticate(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, s.AccessToken)
	return s
}

func TestAuthenticateSendsPasswordGrant(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	c := newTestClient(t, srv)

	s := login(t, c)
	require.Equal(t, "Bearer", s.TokenType)

	calls := srv.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "/realms/master/protocol/openid-connect/token", calls[0].Path)
	require.Equal(t, "application/x-www-form-urlencoded", calls[0].Header.Get("Content-Type"))
	require.Contains(t, string(calls[0].Body), "grant_type=password")
	require.NotEmpty(t, calls[0].Header.Get("X-Request-ID"))
}

func TestAuthenticateRejectedCredentials(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	srv.AdminPassword = "other"
	c := newTestClient(t, srv)
	c.password = "wrong"

	_, err := c.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusUnauthorized, remote.Status)
	require.NotEmpty(t, remote.RequestID)
}

func TestAuthenticateServerErrorIsRemoteFailure(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	srv.InjectFault(fakeidp.Fault{Method: http.MethodPost, Status: http.StatusBadGateway, Remaining: 1})
	c := newTestClient(t, srv)

	_, err := c.Authenticate(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAuthentication)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusBadGateway, remote.Status)
}

func TestCheckRealmMapsNotFoundToFalse(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	c := newTestClient(t, srv)
	s := login(t, c)

	ok, err := c.CheckRealm(context.Background(), s, "demo")
	require.NoError(t, err)
	require.False(t, ok)

	srv.SeedRealm("demo")
	ok, err = c.CheckRealm(context.Background(), s, "demo")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestChecksPropagateNonNotFoundStatus(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	srv.SeedRealm("demo")
	c := newTestClient(t, srv)
	s := login(t, c)
	ctx := context.Background()

	srv.InjectFault(fakeidp.Fault{Path: "/admin/realms/demo", Status: http.StatusInternalServerError, Remaining: 1})
	_, err := c.CheckRealm(ctx, s, "demo")
	require.Error(t, err)
	require.False(t, IsNotFound(err))

	srv.InjectFault(fakeidp.Fault{Path: "/admin/realms/demo/clients", Status: http.StatusForbidden, Remaining: 1})
	_, err = c.CheckClient(ctx, s, "demo", "web")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusForbidden, remote.Status)

	srv.InjectFault(fakeidp.Fault{Path: "/admin/realms/demo/users", Status: http.StatusServiceUnavailable, Remaining: 1})
	_, err = c.CheckUser(ctx, s, "demo", "alice")
	require.Error(t, err)
}

func TestUnauthorizedWithoutSession(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	c := newTestClient(t, srv)

	_, err := c.CheckRealm(context.Background(), Session{AccessToken: "stale"}, "demo")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusUnauthorized, remote.Status)
}

func TestCreateRealmBody(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	c := newTestClient(t, srv)
	s := login(t, c)

	err := c.CreateRealm(context.Background(), s, Realm{
		Realm:                  "demo",
		Enabled:                true,
		BrowserSecurityHeaders: map[string]string{"contentSecurityPolicy": "frame-src 'self'"},
	})
	require.NoError(t, err)

	realm, ok := srv.Realm("demo")
	require.True(t, ok)
	require.True(t, realm.Enabled)
	require.Equal(t, "frame-src 'self'", realm.BrowserSecurityHeaders["contentSecurityPolicy"])

	err = c.CreateRealm(context.Background(), s, Realm{Realm: "demo", Enabled: true})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusConflict, remote.Status)
}

func TestDeleteRealm(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	srv.SeedRealm("demo")
	c := newTestClient(t, srv)
	s := login(t, c)

	require.NoError(t, c.DeleteRealm(context.Background(), s, "demo"))
	require.Empty(t, srv.RealmNames())
	require.True(t, IsNotFound(c.DeleteRealm(context.Background(), s, "demo")))
}

func TestCreateClientReturnsLocationID(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	srv.SeedRealm("demo")
	c := newTestClient(t, srv)
	s := login(t, c)
	ctx := context.Background()

	id, err := c.CreateClient(ctx, s, "demo", Client{
		ClientID:     "web",
		Enabled:      true,
		PublicClient: true,
		RedirectURIs: []string{"http://localhost:8000/*"},
		WebOrigins:   []string{"http://localhost:8000"},
	})
	require.NoError(t, err)

	clients := srv.Clients("demo")
	require.Len(t, clients, 1)
	require.Equal(t, clients[0].ID, id)
	require.Nil(t, clients[0].Secret)

	ok, err := c.CheckClient(ctx, s, "demo", "web")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.CheckClient(ctx, s, "demo", "api")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateClientWithoutLocationFails(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	srv.SeedRealm("demo")
	srv.OmitLocation = true
	c := newTestClient(t, srv)
	s := login(t, c)

	_, err := c.CreateClient(context.Background(), s, "demo", Client{ClientID: "api", Secret: "s3cret"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Location")

	clients := srv.Clients("demo")
	require.Len(t, clients, 1)
	require.NotNil(t, clients[0].Secret)
	require.Equal(t, "s3cret", *clients[0].Secret)
}

func TestPublicClientBodyHasNoSecretField(t *testing.T) {
	raw, err := json.Marshal(Client{ClientID: "web", PublicClient: true}.representation())
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret")

	raw, err = json.Marshal(Client{ClientID: "api", Secret: "s3cret"}.representation())
	require.NoError(t, err)
	require.Contains(t, string(raw), `"secret":"s3cret"`)
}

func TestRealmBodyOmitsEmptySecurityHeaders(t *testing.T) {
	raw, err := json.Marshal(Realm{Realm: "demo", Enabled: true}.representation())
	require.NoError(t, err)
	require.NotContains(t, string(raw), "browserSecurityHeaders")
}

func TestRolesAndAttach(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	srv.SeedRole("demo", "introspect")
	client := srv.SeedClient("demo", fakeidp.Client{ClientID: "api"})
	c := newTestClient(t, srv)
	s := login(t, c)
	ctx := context.Background()

	roles, err := c.RealmRoles(ctx, s, "demo")
	require.NoError(t, err)
	require.Len(t, roles, 1)
	require.Equal(t, "introspect", roles[0].Name)

	require.NoError(t, c.AttachRole(ctx, s, "demo", client.ID, roles[0]))
	last := srv.Calls()[len(srv.Calls())-1]
	require.Equal(t, "/admin/realms/demo/clients/"+client.ID+"/roles", last.Path)
	require.True(t, strings.HasPrefix(last.Header.Get("Authorization"), "Bearer "))
	require.JSONEq(t, `{"role":{"id":"`+roles[0].ID+`","name":"introspect","composite":false,"clientRole":false}}`, string(last.Body))

	err = c.AttachRole(ctx, s, "demo", "missing", roles[0])
	require.True(t, IsNotFound(err))

	attached := srv.ClientRoles("demo", client.ID)
	require.Len(t, attached, 1)
	require.Equal(t, "introspect", attached[0].Name)
}

func TestUsers(t *testing.T) {
	testlog.Start(t)
	srv := fakeidp.New(t)
	srv.SeedRealm("demo")
	c := newTestClient(t, srv)
	s := login(t, c)
	ctx := context.Background()

	ok, err := c.CheckUser(ctx, s, "demo", "alice")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.CreateUser(ctx, s, "demo", User{
		Username:    "alice",
		Enabled:     true,
		Credentials: []Credential{PasswordCredential("pw")},
	}))

	ok, err = c.CheckUser(ctx, s, "demo", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	users := srv.Users("demo")
	require.Len(t, users, 1)
	require.Len(t, users[0].Credentials, 1)
	require.False(t, users[0].Credentials[0].Temporary)
	require.Equal(t, "password", users[0].Credentials[0].Type)

	last := srv.Calls()[len(srv.Calls())-1]
	require.Contains(t, last.Query, "exact=true")
}

func TestCAFileTrustsPrivateAuthority(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "realmctl-test-ca")
	srv, hs := fakeidp.NewUnstarted(t)
	hs.TLS = ca.ServerTLSConfig(t, "localhost")
	hs.StartTLS()

	c, err := NewAdminClient(AdminConfig{
		BaseURL:  hs.URL,
		Username: srv.AdminUser,
		Password: srv.AdminPassword,
		CAFile:   ca.CAFile(),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	_, err = c.Authenticate(context.Background())
	require.NoError(t, err)

	plain, err := NewAdminClient(AdminConfig{BaseURL: hs.URL, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = plain.Authenticate(context.Background())
	require.Error(t, err)
}

func TestNewAdminClientRejectsMissingCAFile(t *testing.T) {
	_, err := NewAdminClient(AdminConfig{CAFile: "/nonexistent/ca.crt"})
	require.Error(t, err)
}
