package keycloak

import "github.com/Nerzal/gocloak/v13"

// Session is an admin access token. It is not refreshed; callers obtain a
// new one per provisioning attempt.
type Session struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int
}

// Realm is the subset of the realm representation realmctl writes.
type Realm struct {
	Realm                  string            `json:"realm"`
	Enabled                bool              `json:"enabled"`
	BrowserSecurityHeaders map[string]string `json:"browserSecurityHeaders,omitempty"`
}

// Client is the subset of the client representation realmctl reads and writes.
// Secret is omitted from the body when empty.
type Client struct {
	ID                        string   `json:"id,omitempty"`
	ClientID                  string   `json:"clientId"`
	Enabled                   bool     `json:"enabled"`
	PublicClient              bool     `json:"publicClient"`
	Secret                    string   `json:"secret,omitempty"`
	RedirectURIs              []string `json:"redirectUris"`
	WebOrigins                []string `json:"webOrigins"`
	DirectAccessGrantsEnabled bool     `json:"directAccessGrantsEnabled"`
}

type Role struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Composite   bool   `json:"composite"`
	ClientRole  bool   `json:"clientRole"`
	ContainerID string `json:"containerId,omitempty"`
}

type roleAssignment struct {
	Role Role `json:"role"`
}

type Credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

type User struct {
	ID          string       `json:"id,omitempty"`
	Username    string       `json:"username"`
	Enabled     bool         `json:"enabled"`
	Credentials []Credential `json:"credentials,omitempty"`
}

// PasswordCredential builds a non-temporary password credential.
func PasswordCredential(value string) Credential {
	return Credential{Type: "password", Value: value, Temporary: false}
}

func (r Realm) representation() gocloak.RealmRepresentation {
	out := gocloak.RealmRepresentation{
		Realm:   gocloak.StringP(r.Realm),
		Enabled: gocloak.BoolP(r.Enabled),
	}
	if len(r.BrowserSecurityHeaders) > 0 {
		headers := make(map[string]string, len(r.BrowserSecurityHeaders))
		for k, v := range r.BrowserSecurityHeaders {
			headers[k] = v
		}
		out.BrowserSecurityHeaders = &headers
	}
	return out
}

// representation leaves Secret nil for an empty secret so public clients
// never send the field.
func (c Client) representation() gocloak.Client {
	redirects := append([]string{}, c.RedirectURIs...)
	origins := append([]string{}, c.WebOrigins...)
	out := gocloak.Client{
		ClientID:                  gocloak.StringP(c.ClientID),
		Enabled:                   gocloak.BoolP(c.Enabled),
		PublicClient:              gocloak.BoolP(c.PublicClient),
		RedirectURIs:              &redirects,
		WebOrigins:                &origins,
		DirectAccessGrantsEnabled: gocloak.BoolP(c.DirectAccessGrantsEnabled),
	}
	if c.Secret != "" {
		out.Secret = gocloak.StringP(c.Secret)
	}
	return out
}

func clientFrom(c *gocloak.Client) Client {
	out := Client{
		ID:                        gocloak.PString(c.ID),
		ClientID:                  gocloak.PString(c.ClientID),
		Enabled:                   gocloak.PBool(c.Enabled),
		PublicClient:              gocloak.PBool(c.PublicClient),
		Secret:                    gocloak.PString(c.Secret),
		DirectAccessGrantsEnabled: gocloak.PBool(c.DirectAccessGrantsEnabled),
	}
	if c.RedirectURIs != nil {
		out.RedirectURIs = *c.RedirectURIs
	}
	if c.WebOrigins != nil {
		out.WebOrigins = *c.WebOrigins
	}
	return out
}

func roleFrom(r *gocloak.Role) Role {
	return Role{
		ID:          gocloak.PString(r.ID),
		Name:        gocloak.PString(r.Name),
		Description: gocloak.PString(r.Description),
		Composite:   gocloak.PBool(r.Composite),
		ClientRole:  gocloak.PBool(r.ClientRole),
		ContainerID: gocloak.PString(r.ContainerID),
	}
}

func (u User) representation() gocloak.User {
	creds := make([]gocloak.CredentialRepresentation, 0, len(u.Credentials))
	for _, c := range u.Credentials {
		creds = append(creds, gocloak.CredentialRepresentation{
			Type:      gocloak.StringP(c.Type),
			Value:     gocloak.StringP(c.Value),
			Temporary: gocloak.BoolP(c.Temporary),
		})
	}
	out := gocloak.User{
		Username: gocloak.StringP(u.Username),
		Enabled:  gocloak.BoolP(u.Enabled),
	}
	if len(creds) > 0 {
		out.Credentials = &creds
	}
	return out
}
