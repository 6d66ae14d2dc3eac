package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
)

// RedisUserStore keeps user tokens in Redis so that several processes can
// share one token namespace. Credentials still come from the local Accounts.
type RedisUserStore struct {
	client   *redis.Client
	accounts Accounts
	draw     func() int32

	mu     sync.Mutex
	issued map[int32]struct{}
}

type userRecord struct {
	Name    string    `json:"name"`
	LogonAt time.Time `json:"logon_at"`
}

func NewRedisUserStore(ctx context.Context, opts RedisOptions, accounts Accounts) (*RedisUserStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Host + ":" + opts.Port,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisUserStore{
		client:   client,
		accounts: accounts,
		draw:     randomToken,
		issued:   make(map[int32]struct{}),
	}, nil
}

func userKey(uid int32) string {
	return constants.RedisKeyPrefix + strconv.FormatInt(int64(uid), 10)
}

func (st *RedisUserStore) Authenticate(ctx context.Context, name, password string) (*User, error) {
	if err := st.accounts.Verify(name, password); err != nil {
		return nil, err
	}

	u := &User{Name: name, LogonAt: time.Now()}
	data, err := json.Marshal(userRecord{Name: u.Name, LogonAt: u.LogonAt})
	if err != nil {
		return nil, err
	}

	// SETNX is the reservation; a taken key moves the probe forward.
	uid := st.draw()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := st.client.SetNX(ctx, userKey(uid), data, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("reserve user token: %w", err)
		}
		if ok {
			break
		}
		uid = nextToken(uid)
	}

	st.mu.Lock()
	st.issued[uid] = struct{}{}
	st.mu.Unlock()

	u.UID = uid
	logger.Log.WithField("user", name).WithField("uid", uid).Debug("user token reserved in redis")
	return u, nil
}

func (st *RedisUserStore) Lookup(ctx context.Context, uid int32) (*User, bool) {
	data, err := st.client.Get(ctx, userKey(uid)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logger.Log.WithError(err).Warn("failed to get user from redis")
		return nil, false
	}

	var rec userRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		logger.Log.WithError(err).Warn("failed to unmarshal user record")
		return nil, false
	}
	return &User{UID: uid, Name: rec.Name, LogonAt: rec.LogonAt}, true
}

// Count reports the tokens issued by this process.
func (st *RedisUserStore) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.issued)
}

// Close releases the tokens this process issued and closes the client.
func (st *RedisUserStore) Close() error {
	st.mu.Lock()
	keys := make([]string, 0, len(st.issued))
	for uid := range st.issued {
		keys = append(keys, userKey(uid))
	}
	st.issued = make(map[int32]struct{})
	st.mu.Unlock()

	if len(keys) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		if err := st.client.Del(ctx, keys...).Err(); err != nil {
			logger.Log.WithError(err).Warn("failed to release user tokens")
		}
		cancel()
	}
	return st.client.Close()
}
