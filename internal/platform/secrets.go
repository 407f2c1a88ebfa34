package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoSecret is returned when a secret is defined neither on disk nor in the
// environment.
var ErrNoSecret = errors.New("secret not defined")

// Secrets resolves named secrets from a file-per-secret directory, falling
// back to VIGIL_<NAME> environment variables. Values are trimmed of
// surrounding whitespace.
type Secrets struct {
	dir string
}

// NewSecrets creates a resolver rooted at dir. An empty dir disables the
// file lookup and only the environment is consulted.
func NewSecrets(dir string) *Secrets {
	return &Secrets{dir: dir}
}

// Get returns the named secret or ErrNoSecret.
func (s *Secrets) Get(name string) (string, error) {
	if s.dir != "" {
		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err == nil {
			return strings.TrimSpace(string(b)), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read secret %s: %w", name, err)
		}
	}
	env := "VIGIL_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if v, ok := os.LookupEnv(env); ok {
		return strings.TrimSpace(v), nil
	}
	return "", fmt.Errorf("secret %s: %w", name, ErrNoSecret)
}

// Lookup returns the named secret or an empty string. Use for secrets that
// are legitimately optional.
func (s *Secrets) Lookup(name string) string {
	v, err := s.Get(name)
	if err != nil {
		return ""
	}
	return v
}
