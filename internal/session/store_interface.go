package session

import (
	"context"
	"time"
)

// User is an authenticated principal. It is never mutated after Authenticate
// and lives until the store is closed.
type User struct {
	UID     int32     `json:"uid"`
	Name    string    `json:"name"`
	LogonAt time.Time `json:"logon_at"`
}

// UserStore issues user tokens. Implementations must reserve a token with a
// single atomic check-and-insert.
type UserStore interface {
	Authenticate(ctx context.Context, name, password string) (*User, error)
	Lookup(ctx context.Context, uid int32) (*User, bool)
	Count() int
	Close() error
}
