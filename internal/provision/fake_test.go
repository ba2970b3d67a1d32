package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/danmuck/realmctl/internal/keycloak"
)

// memAdmin is an in-memory Admin that records every call by name.
type memAdmin struct {
	mu sync.Mutex

	realms      map[string]keycloak.Realm
	clients     map[string][]keycloak.Client
	roles       map[string][]keycloak.Role
	users       map[string][]keycloak.User
	clientRoles map[string][]keycloak.Role

	calls  []string
	nextID int

	// failOn makes the named operation fail while its counter is positive.
	failOn map[string]int
	// authErr fails every Authenticate call when set.
	authErr error
}

func newMemAdmin() *memAdmin {
	return &memAdmin{
		realms:      map[string]keycloak.Realm{},
		clients:     map[string][]keycloak.Client{},
		roles:       map[string][]keycloak.Role{},
		users:       map[string][]keycloak.User{},
		clientRoles: map[string][]keycloak.Role{},
		failOn:      map[string]int{},
	}
}

func (m *memAdmin) record(op string) error {
	m.calls = append(m.calls, op)
	if m.failOn[op] > 0 {
		m.failOn[op]--
		return &keycloak.RemoteError{Method: "POST", Path: "/" + op, Status: 503, Body: "unavailable"}
	}
	return nil
}

func (m *memAdmin) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (m *memAdmin) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.calls...)
}

func (m *memAdmin) Authenticate(ctx context.Context) (keycloak.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("Authenticate"); err != nil {
		return keycloak.Session{}, err
	}
	if m.authErr != nil {
		return keycloak.Session{}, m.authErr
	}
	return keycloak.Session{AccessToken: "token"}, nil
}

func (m *memAdmin) CheckRealm(ctx context.Context, s keycloak.Session, realm string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CheckRealm"); err != nil {
		return false, err
	}
	_, ok := m.realms[realm]
	return ok, nil
}

func (m *memAdmin) CreateRealm(ctx context.Context, s keycloak.Session, realm keycloak.Realm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateRealm"); err != nil {
		return err
	}
	if _, ok := m.realms[realm.Realm]; ok {
		return &keycloak.RemoteError{Status: 409}
	}
	m.realms[realm.Realm] = realm
	return nil
}

func (m *memAdmin) DeleteRealm(ctx context.Context, s keycloak.Session, realm string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("DeleteRealm"); err != nil {
		return err
	}
	if _, ok := m.realms[realm]; !ok {
		return &keycloak.RemoteError{Status: 404}
	}
	delete(m.realms, realm)
	delete(m.clients, realm)
	delete(m.roles, realm)
	delete(m.users, realm)
	return nil
}

func (m *memAdmin) CheckClient(ctx context.Context, s keycloak.Session, realm, clientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CheckClient"); err != nil {
		return false, err
	}
	for _, c := range m.clients[realm] {
		if c.ClientID == clientID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memAdmin) CreateClient(ctx context.Context, s keycloak.Session, realm string, client keycloak.Client) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateClient"); err != nil {
		return "", err
	}
	m.nextID++
	client.ID = fmt.Sprintf("uuid-%d", m.nextID)
	m.clients[realm] = append(m.clients[realm], client)
	return client.ID, nil
}

func (m *memAdmin) RealmRoles(ctx context.Context, s keycloak.Session, realm string) ([]keycloak.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("RealmRoles"); err != nil {
		return nil, err
	}
	return append([]keycloak.Role{}, m.roles[realm]...), nil
}

func (m *memAdmin) AttachRole(ctx context.Context, s keycloak.Session, realm, clientUUID string, role keycloak.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("AttachRole"); err != nil {
		return err
	}
	m.clientRoles[clientUUID] = append(m.clientRoles[clientUUID], role)
	return nil
}

func (m *memAdmin) CheckUser(ctx context.Context, s keycloak.Session, realm, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CheckUser"); err != nil {
		return false, err
	}
	for _, u := range m.users[realm] {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (m *memAdmin) CreateUser(ctx context.Context, s keycloak.Session, realm string, user keycloak.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("CreateUser"); err != nil {
		return err
	}
	m.users[realm] = append(m.users[realm], user)
	return nil
}

func (m *memAdmin) client(realm, clientID string) (keycloak.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients[realm] {
		if c.ClientID == clientID {
			return c, true
		}
	}
	return keycloak.Client{}, false
}
