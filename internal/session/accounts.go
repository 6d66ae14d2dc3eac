package session

import (
	"errors"
	"fmt"
)

var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBadPassword        = errors.New("bad password")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrTooManySessions    = errors.New("too many sessions for user")
)

// Account is the configured entry for one user name.
type Account struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Password string `yaml:"password" json:"-"`
}

// Accounts maps user names to their configuration. It is read-only once a
// store has been built from it.
type Accounts map[string]Account

// Verify checks a credential pair. Unknown and disabled users are both
// ErrAccessDenied.
func (a Accounts) Verify(name, password string) error {
	acc, ok := a[name]
	if !ok || !acc.Enabled {
		return fmt.Errorf("%w: %s", ErrAccessDenied, name)
	}
	if !checkPassword(acc.Password, password) {
		return fmt.Errorf("%w: %s", ErrBadPassword, name)
	}
	return nil
}
