package session

import (
	"context"
	"sync"
	"time"

	"tunnelrpc/internal/logger"
)

type MemoryUserStore struct {
	accounts Accounts
	draw     func() int32

	mu    sync.RWMutex
	users map[int32]*User
}

func NewMemoryUserStore(accounts Accounts) *MemoryUserStore {
	return &MemoryUserStore{
		accounts: accounts,
		draw:     randomToken,
		users:    make(map[int32]*User),
	}
}

func (st *MemoryUserStore) Authenticate(ctx context.Context, name, password string) (*User, error) {
	if err := st.accounts.Verify(name, password); err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	uid := allocate(st.draw, func(t int32) bool {
		_, ok := st.users[t]
		return ok
	})
	u := &User{UID: uid, Name: name, LogonAt: time.Now()}
	st.users[uid] = u
	logger.Log.WithField("user", name).WithField("uid", uid).Debug("user token issued")
	return u, nil
}

func (st *MemoryUserStore) Lookup(_ context.Context, uid int32) (*User, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	u, ok := st.users[uid]
	return u, ok
}

func (st *MemoryUserStore) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.users)
}

func (st *MemoryUserStore) Close() error {
	st.mu.Lock()
	st.users = make(map[int32]*User)
	st.mu.Unlock()
	return nil
}
