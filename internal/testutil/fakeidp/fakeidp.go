// Package fakeidp serves an in-memory identity-provider admin API for tests.
package fakeidp

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

type Realm struct {
	Realm                  string            `json:"realm"`
	Enabled                bool              `json:"enabled"`
	BrowserSecurityHeaders map[string]string `json:"browserSecurityHeaders,omitempty"`
}

type Client struct {
	ID                        string   `json:"id"`
	ClientID                  string   `json:"clientId"`
	Enabled                   bool     `json:"enabled"`
	PublicClient              bool     `json:"publicClient"`
	Secret                    *string  `json:"secret,omitempty"`
	RedirectURIs              []string `json:"redirectUris"`
	WebOrigins                []string `json:"webOrigins"`
	DirectAccessGrantsEnabled bool     `json:"directAccessGrantsEnabled"`
}

type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

type User struct {
	ID          string       `json:"id"`
	Username    string       `json:"username"`
	Enabled     bool         `json:"enabled"`
	Credentials []Credential `json:"credentials,omitempty"`
}

// Call is one request the server received.
type Call struct {
	Method string
	Path   string
	Query  string
	Body   []byte
	Header http.Header
}

// Fault makes the server answer matching requests with Status.
// Remaining counts down; a negative value never expires.
type Fault struct {
	Method    string
	Path      string
	Status    int
	Remaining int
}

type realmState struct {
	realm       Realm
	clients     []Client
	roles       []Role
	users       []User
	clientRoles map[string][]Role
}

type Server struct {
	AdminUser     string
	AdminPassword string
	// OmitLocation drops the Location header on client creation.
	OmitLocation bool

	mu     sync.Mutex
	srv    *httptest.Server
	tokens map[string]bool
	realms map[string]*realmState
	calls  []Call
	faults []*Fault
}

// New starts a plain HTTP server closed by t.Cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	s := newServer()
	s.srv = httptest.NewServer(s.routes())
	t.Cleanup(s.srv.Close)
	return s
}

// NewUnstarted returns a server whose httptest instance the caller configures and starts.
func NewUnstarted(t testing.TB) (*Server, *httptest.Server) {
	t.Helper()
	s := newServer()
	s.srv = httptest.NewUnstartedServer(s.routes())
	t.Cleanup(s.srv.Close)
	return s, s.srv
}

func newServer() *Server {
	return &Server{
		AdminUser:     "admin",
		AdminPassword: "admin",
		tokens:        map[string]bool{},
		realms:        map[string]*realmState{},
	}
}

func (s *Server) URL() string {
	return s.srv.URL
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /realms/{realm}/protocol/openid-connect/token", s.token)
	mux.HandleFunc("POST /admin/realms", s.authed(s.createRealm))
	mux.HandleFunc("GET /admin/realms/{realm}", s.authed(s.getRealm))
	mux.HandleFunc("DELETE /admin/realms/{realm}", s.authed(s.deleteRealm))
	mux.HandleFunc("GET /admin/realms/{realm}/clients", s.authed(s.listClients))
	mux.HandleFunc("POST /admin/realms/{realm}/clients", s.authed(s.createClient))
	mux.HandleFunc("GET /admin/realms/{realm}/roles", s.authed(s.listRoles))
	mux.HandleFunc("POST /admin/realms/{realm}/clients/{id}/roles", s.authed(s.attachRole))
	mux.HandleFunc("GET /admin/realms/{realm}/users", s.authed(s.listUsers))
	mux.HandleFunc("POST /admin/realms/{realm}/users", s.authed(s.createUser))
	return s.record(mux)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Body:   body,
			Header: r.Header.Clone(),
		})
		status := s.matchFault(r.Method, r.URL.Path)
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, `{"error":"injected"}`, status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) matchFault(method, path string) int {
	for _, f := range s.faults {
		if f.Remaining == 0 {
			continue
		}
		if f.Method != "" && f.Method != method {
			continue
		}
		if f.Path != "" && f.Path != path {
			continue
		}
		if f.Remaining > 0 {
			f.Remaining--
		}
		return f.Status
	}
	return 0
}

func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"HTTP 401 Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PathValue("realm") != "master" ||
		r.PostForm.Get("grant_type") != "password" ||
		r.PostForm.Get("client_id") != "admin-cli" ||
		r.PostForm.Get("username") != s.AdminUser ||
		r.PostForm.Get("password") != s.AdminPassword {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"Invalid user credentials"}`)
		return
	}
	tok := uuid.NewString()
	s.mu.Lock()
	s.tokens[tok] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"expires_in":   60,
		"token_type":   "Bearer",
	})
}

func (s *Server) createRealm(w http.ResponseWriter, r *http.Request) {
	var in Realm
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Realm == "" {
		http.Error(w, "bad realm", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.realms[in.Realm]; ok {
		http.Error(w, `{"errorMessage":"Conflict detected. See logs for details"}`, http.StatusConflict)
		return
	}
	s.realms[in.Realm] = &realmState{realm: in, clientRoles: map[string][]Role{}}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) getRealm(w http.ResponseWriter, r *http.Request) {
	st, ok := s.realm(r)
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, st.realm)
}

func (s *Server) deleteRealm(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := r.PathValue("realm")
	if _, ok := s.realms[name]; !ok {
		notFound(w)
		return
	}
	delete(s.realms, name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	st, ok := s.realm(r)
	if !ok {
		notFound(w)
		return
	}
	s.mu.Lock()
	out := append([]Client{}, st.clients...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request) {
	st, ok := s.realm(r)
	if !ok {
		notFound(w)
		return
	}
	var in Client
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ClientID == "" {
		http.Error(w, "bad client", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range st.clients {
		if c.ClientID == in.ClientID {
			http.Error(w, `{"errorMessage":"Client already exists"}`, http.StatusConflict)
			return
		}
	}
	in.ID = uuid.NewString()
	st.clients = append(st.clients, in)
	if !s.OmitLocation {
		w.Header().Set("Location", s.srv.URL+"/admin/realms/"+st.realm.Realm+"/clients/"+in.ID)
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	st, ok := s.realm(r)
	if !ok {
		notFound(w)
		return
	}
	s.mu.Lock()
	out := append([]Role{}, st.roles...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) attachRole(w http.ResponseWriter, r *http.Request) {
	st, ok := s.realm(r)
	if !ok {
		notFound(w)
		return
	}
	var in struct {
		Role Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Role.Name == "" {
		http.Error(w, "bad role", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range st.clients {
		if c.ID == id {
			st.clientRoles[id] = append(st.clientRoles[id], in.Role)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	notFound(w)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	st, ok := s.realm(r)
	if !ok {
		notFound(w)
		return
	}
	username := r.URL.Query().Get("username")
	s.mu.Lock()
	out := []User{}
	for _, u := range st.users {
		if username == "" || u.Username == username {
			out = append(out, u)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	st, ok := s.realm(r)
	if !ok {
		notFound(w)
		return
	}
	var in User
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" {
		http.Error(w, "bad user", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range st.users {
		if u.Username == in.Username {
			http.Error(w, `{"errorMessage":"User exists with same username"}`, http.StatusConflict)
			return
		}
	}
	in.ID = uuid.NewString()
	st.users = append(st.users, in)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) realm(r *http.Request) (*realmState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.realms[r.PathValue("realm")]
	return st, ok
}

// SeedRealm creates a realm directly in the store.
func (s *Server) SeedRealm(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.realms[name]; ok {
		return
	}
	s.realms[name] = &realmState{
		realm:       Realm{Realm: name, Enabled: true},
		clientRoles: map[string][]Role{},
	}
}

// SeedRole adds a realm role; the realm is created if missing.
func (s *Server) SeedRole(realm, role string) {
	s.SeedRealm(realm)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.realms[realm]
	st.roles = append(st.roles, Role{ID: uuid.NewString(), Name: role})
}

// SeedClient adds a client; the realm is created if missing.
func (s *Server) SeedClient(realm string, c Client) Client {
	s.SeedRealm(realm)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	st := s.realms[realm]
	st.clients = append(st.clients, c)
	return c
}

// SeedUser adds a user; the realm is created if missing.
func (s *Server) SeedUser(realm, username string) {
	s.SeedRealm(realm)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.realms[realm]
	st.users = append(st.users, User{ID: uuid.NewString(), Username: username, Enabled: true})
}

// InjectFault registers f; faults are matched in registration order.
func (s *Server) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ff := f
	s.faults = append(s.faults, &ff)
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call{}, s.calls...)
}

// CountCalls counts received requests by method and exact path.
func (s *Server) CountCalls(method, path string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) RealmNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.realms))
	for name := range s.realms {
		out = append(out, name)
	}
	return out
}

func (s *Server) Realm(name string) (Realm, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.realms[name]
	if !ok {
		return Realm{}, false
	}
	return st.realm, true
}

func (s *Server) Clients(realm string) []Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.realms[realm]
	if !ok {
		return nil
	}
	return append([]Client{}, st.clients...)
}

func (s *Server) Users(realm string) []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.realms[realm]
	if !ok {
		return nil
	}
	return append([]User{}, st.users...)
}

// ClientRoles returns realm roles attached to the client with internal id.
func (s *Server) ClientRoles(realm, id string) []Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.realms[realm]
	if !ok {
		return nil
	}
	return append([]Role{}, st.clientRoles[id]...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Realm not found."})
}
