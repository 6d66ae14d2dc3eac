package security

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tunnelrpc/internal/constants"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	EventType string
	IP        string
	User      string
	CID       int32
	Details   string
	Severity  logrus.Level
}

// AuditLogger writes security-relevant events as JSON lines, capped at
// MaxAuditLogsPerMinute. A nil *AuditLogger discards everything.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	log         *logrus.Logger
	logDir      string
	logCount    int
	windowStart time.Time
	dropped     int
}

// NewAuditLogger opens today's audit file under dir, or under the platform
// default when dir is empty.
func NewAuditLogger(dir string) (*AuditLogger, error) {
	if dir == "" {
		var err error
		if dir, err = getAuditLogDir(); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	filename := filepath.Join(dir, fmt.Sprintf("audit-%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetOutput(file)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	l.SetLevel(logrus.InfoLevel)

	return &AuditLogger{
		file:        file,
		log:         l,
		logDir:      dir,
		windowStart: time.Now(),
	}, nil
}

func getAuditLogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", constants.AppName, "audit"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Logs", constants.AppName, "audit"), nil
	default:
		return filepath.Join(home, ".local", "share", constants.AppName, "audit"), nil
	}
}

func (al *AuditLogger) Log(event AuditEvent) {
	if al == nil {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.file == nil {
		return
	}

	now := time.Now()
	if now.Sub(al.windowStart) > time.Minute {
		if al.dropped > 0 {
			al.log.WithField("event_type", "audit_dropped").Warnf("%d audit events dropped", al.dropped)
		}
		al.windowStart = now
		al.logCount = 0
		al.dropped = 0
		if !al.hasEnoughDiskSpace() {
			al.log.WithField("event_type", "audit_disabled").Error("low disk space, audit log paused")
			al.dropped = -1
		}
	}

	if al.dropped < 0 || al.logCount >= constants.MaxAuditLogsPerMinute {
		if al.dropped >= 0 {
			al.dropped++
		}
		return
	}
	al.logCount++

	fields := logrus.Fields{"event_type": event.EventType}
	if event.IP != "" {
		fields["ip"] = event.IP
	}
	if event.User != "" {
		fields["user"] = event.User
	}
	if event.CID != 0 {
		fields["cid"] = event.CID
	}
	severity := event.Severity
	if severity == 0 {
		severity = logrus.InfoLevel
	}
	al.log.WithFields(fields).Log(severity, event.Details)
}

func (al *AuditLogger) LogAuthFailure(ip, user, reason string) {
	al.Log(AuditEvent{
		EventType: "auth_failure",
		IP:        ip,
		User:      SanitizeInput(user),
		Details:   reason,
		Severity:  logrus.WarnLevel,
	})
}

func (al *AuditLogger) LogAuthSuccess(ip, user string) {
	al.Log(AuditEvent{
		EventType: "auth_success",
		IP:        ip,
		User:      user,
		Details:   "Authentication successful",
		Severity:  logrus.InfoLevel,
	})
}

func (al *AuditLogger) LogBruteForce(ip, user string, attempts int) {
	al.Log(AuditEvent{
		EventType: "brute_force",
		IP:        ip,
		User:      SanitizeInput(user),
		Details:   fmt.Sprintf("Multiple failed attempts: %d", attempts),
		Severity:  logrus.ErrorLevel,
	})
}

func (al *AuditLogger) LogConnectionLimit(ip string) {
	al.Log(AuditEvent{
		EventType: "connection_limit",
		IP:        ip,
		Details:   "Connection limit exceeded",
		Severity:  logrus.WarnLevel,
	})
}

func (al *AuditLogger) LogSessionOpen(ip, user string, cid int32, target string) {
	al.Log(AuditEvent{
		EventType: "session_open",
		IP:        ip,
		User:      user,
		CID:       cid,
		Details:   "Tunnel session opened to " + target,
		Severity:  logrus.InfoLevel,
	})
}

func (al *AuditLogger) LogSessionClose(ip, user string, cid int32, reason string) {
	al.Log(AuditEvent{
		EventType: "session_close",
		IP:        ip,
		User:      user,
		CID:       cid,
		Details:   fmt.Sprintf("Tunnel session closed: %s", reason),
		Severity:  logrus.InfoLevel,
	})
}

func (al *AuditLogger) LogInvalidRequest(ip, op, reason string) {
	al.Log(AuditEvent{
		EventType: "invalid_request",
		IP:        ip,
		Details:   fmt.Sprintf("Invalid %s request: %s", op, reason),
		Severity:  logrus.WarnLevel,
	})
}

func (al *AuditLogger) Close() error {
	if al == nil {
		return nil
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.file == nil {
		return nil
	}
	err := al.file.Close()
	al.file = nil
	return err
}
