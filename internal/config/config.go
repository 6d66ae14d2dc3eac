// Package config assembles server and client settings from the environment,
// an optional .env file and the YAML users file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/session"
	"tunnelrpc/internal/utils"
)

// Environment variables read by LoadServer and LoadClient.
const (
	EnvListenAddr      = "TUNNEL_LISTEN"
	EnvMuxListenAddr   = "TUNNEL_MUX_LISTEN"
	EnvUsersFile       = "TUNNEL_USERS_FILE"
	EnvEnableTLS       = "TUNNEL_ENABLE_TLS"
	EnvCertFile        = "TUNNEL_CERT_FILE"
	EnvKeyFile         = "TUNNEL_KEY_FILE"
	EnvProxyProtocol   = "TUNNEL_PROXY_PROTOCOL"
	EnvSealMux         = "TUNNEL_SEAL_MUX"
	EnvIdleTimeout     = "TUNNEL_IDLE_TIMEOUT"
	EnvPollInterval    = "TUNNEL_POLL_INTERVAL"
	EnvMaxSessions     = "TUNNEL_MAX_SESSIONS_PER_USER"
	EnvMaxConnsPerIP   = "TUNNEL_MAX_CONNECTIONS_PER_IP"
	EnvRateLimit       = "TUNNEL_RATE_LIMIT"
	EnvAudit           = "TUNNEL_AUDIT"
	EnvAuditDir        = "TUNNEL_AUDIT_DIR"
	EnvLogLevel        = "TUNNEL_LOG_LEVEL"
	EnvLogJSON         = "TUNNEL_LOG_JSON"
	EnvRedisHost       = "REDIS_HOST"
	EnvRedisPort       = "REDIS_PORT"
	EnvRedisUsername   = "REDIS_USERNAME"
	EnvRedisPassword   = "REDIS_PASSWORD"
	EnvRedisDB         = "REDIS_DB"
	EnvServerURL       = "TUNNEL_SERVER"
	EnvTransport       = "TUNNEL_TRANSPORT"
	EnvMuxAddr         = "TUNNEL_MUX_ADDR"
	EnvUsername        = "TUNNEL_USERNAME"
	EnvPassword        = "TUNNEL_PASSWORD"
	EnvSocksListenAddr = "TUNNEL_SOCKS_LISTEN"
	EnvCallTimeout     = "TUNNEL_CALL_TIMEOUT"
)

type Server struct {
	ListenAddr    string
	MuxListenAddr string
	UsersFile     string

	EnableTLS bool
	CertFile  string
	KeyFile   string
	// ProxyProtocol accepts PROXY protocol headers from a fronting balancer.
	ProxyProtocol bool
	SealMux       bool

	IdleTimeout        time.Duration
	PollInterval       time.Duration
	MaxSessionsPerUser int
	MaxConnsPerIP      int
	RateLimit          int64

	Audit    bool
	AuditDir string
	LogLevel string
	LogJSON  bool

	Redis session.RedisOptions
}

type Client struct {
	ServerURL   string
	Transport   string
	MuxAddr     string
	Seal        bool
	Username    string
	Password    string
	ListenAddr  string
	CallTimeout time.Duration
	LogLevel    string
	LogJSON     bool
}

// LoadEnv reads path into the environment without overriding variables that
// are already set. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func LoadServer() Server {
	return Server{
		ListenAddr:         utils.GetEnv(EnvListenAddr, constants.DefaultListenAddr),
		MuxListenAddr:      utils.GetEnv(EnvMuxListenAddr, constants.DefaultMuxListenAddr),
		UsersFile:          utils.GetEnv(EnvUsersFile, "users.yaml"),
		EnableTLS:          utils.GetEnvBool(EnvEnableTLS, false),
		CertFile:           utils.GetEnv(EnvCertFile, "certs/server.crt"),
		KeyFile:            utils.GetEnv(EnvKeyFile, "certs/server.key"),
		ProxyProtocol:      utils.GetEnvBool(EnvProxyProtocol, false),
		SealMux:            utils.GetEnvBool(EnvSealMux, true),
		IdleTimeout:        utils.GetEnvDuration(EnvIdleTimeout, constants.SessionIdleTimeout),
		PollInterval:       utils.GetEnvDuration(EnvPollInterval, constants.PollInterval),
		MaxSessionsPerUser: utils.GetEnvInt(EnvMaxSessions, 0),
		MaxConnsPerIP:      utils.GetEnvInt(EnvMaxConnsPerIP, 0),
		RateLimit:          utils.GetEnvInt64(EnvRateLimit, 0),
		Audit:              utils.GetEnvBool(EnvAudit, true),
		AuditDir:           utils.GetEnv(EnvAuditDir, ""),
		LogLevel:           utils.GetEnv(EnvLogLevel, "info"),
		LogJSON:            utils.GetEnvBool(EnvLogJSON, false),
		Redis: session.RedisOptions{
			Host:     utils.GetEnv(EnvRedisHost, ""),
			Port:     utils.GetEnv(EnvRedisPort, ""),
			Username: utils.GetEnv(EnvRedisUsername, ""),
			Password: utils.GetEnv(EnvRedisPassword, ""),
			DB:       utils.GetEnvInt(EnvRedisDB, 0),
		},
	}
}

func LoadClient() Client {
	return Client{
		ServerURL:   utils.GetEnv(EnvServerURL, constants.DefaultServerURL),
		Transport:   utils.GetEnv(EnvTransport, "http"),
		MuxAddr:     utils.GetEnv(EnvMuxAddr, ""),
		Seal:        utils.GetEnvBool(EnvSealMux, true),
		Username:    utils.GetEnv(EnvUsername, ""),
		Password:    utils.GetEnv(EnvPassword, ""),
		ListenAddr:  utils.GetEnv(EnvSocksListenAddr, constants.DefaultSocksAddr),
		CallTimeout: utils.GetEnvDuration(EnvCallTimeout, constants.CallTimeout),
		LogLevel:    utils.GetEnv(EnvLogLevel, "info"),
		LogJSON:     utils.GetEnvBool(EnvLogJSON, false),
	}
}

// SaveClient writes cfg as a .env file LoadEnv can read back.
func SaveClient(path string, cfg Client) error {
	env := map[string]string{
		EnvServerURL:       cfg.ServerURL,
		EnvTransport:       cfg.Transport,
		EnvSealMux:         strconv.FormatBool(cfg.Seal),
		EnvUsername:        cfg.Username,
		EnvPassword:        cfg.Password,
		EnvSocksListenAddr: cfg.ListenAddr,
		EnvCallTimeout:     cfg.CallTimeout.String(),
	}
	if cfg.MuxAddr != "" {
		env[EnvMuxAddr] = cfg.MuxAddr
	}
	if err := godotenv.Write(env, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Chmod(path, 0600)
}

// Validate rejects settings the server cannot start with.
func (s Server) Validate() error {
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvIdleTimeout)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("%s must be positive", EnvPollInterval)
	}
	if s.MaxSessionsPerUser < 0 || s.MaxConnsPerIP < 0 || s.RateLimit < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

type usersFile struct {
	Users session.Accounts `yaml:"users"`
}

// LoadUsers reads the users file:
//
//	users:
//	  alice: {enabled: true, password: secret}
func LoadUsers(path string) (session.Accounts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	return ParseUsers(data)
}

func ParseUsers(data []byte) (session.Accounts, error) {
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	if len(f.Users) == 0 {
		return nil, errors.New("users file defines no users")
	}
	for name := range f.Users {
		if name == "" {
			return nil, errors.New("users file has an empty user name")
		}
	}
	return f.Users, nil
}

// WriteUsers saves accounts in the format LoadUsers reads.
func WriteUsers(path string, accounts session.Accounts) error {
	data, err := yaml.Marshal(usersFile{Users: accounts})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
