package keycloak

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthentication means the token endpoint rejected the admin credentials.
	ErrAuthentication = errors.New("keycloak: authentication failed")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("keycloak: not found")
)

// RemoteError is a non-2xx response from the admin API.
type RemoteError struct {
	Method    string
	Path      string
	Status    int
	Body      string
	RequestID string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("keycloak: %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("keycloak: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *RemoteError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// IsNotFound reports whether err carries a 404 from the admin API.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
