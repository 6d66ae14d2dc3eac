package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"tunnelrpc/internal/constants"
)

// Log is the process-wide logger. Setup configures it once at startup.
var Log = logrus.New()

// Setup sets the level and output format of the process logger.
func Setup(level string, jsonOutput bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	Log.SetLevel(lvl)
	if jsonOutput {
		Log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Logger records the traffic of one client session as JSON lines in the
// platform log directory.
type Logger struct {
	mu        sync.RWMutex
	file      *os.File
	log       *logrus.Logger
	sessionID string
}

func NewLogger(sessionID string) (*Logger, error) {
	logDir, err := getLogDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get log directory: %w", err)
	}
	return NewLoggerIn(logDir, sessionID)
}

// NewLoggerIn is NewLogger with an explicit directory.
func NewLoggerIn(logDir, sessionID string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("%s.log", sessionID))

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := logrus.New()
	l.SetOutput(file)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.DebugLevel)

	return &Logger{
		file:      file,
		log:       l,
		sessionID: sessionID,
	}, nil
}

func getLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	var logDir string
	switch runtime.GOOS {
	case "windows":
		logDir = filepath.Join(homeDir, "AppData", "Local", constants.AppName, "logs")
	case "darwin":
		logDir = filepath.Join(homeDir, "Library", "Logs", constants.AppName)
	default: // linux and others
		logDir = filepath.Join(homeDir, ".local", "share", constants.AppName, "logs")
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			logDir = filepath.Join(xdgData, constants.AppName, "logs")
		}
	}

	return logDir, nil
}

func (l *Logger) entry() *logrus.Entry {
	return l.log.WithField("session", l.sessionID)
}

// LogData records a payload transfer. direction is "local->tunnel" or "tunnel->local".
func (l *Logger) LogData(direction string, size int, target string, cid int32) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file == nil {
		return
	}
	l.entry().WithFields(logrus.Fields{
		"direction": direction,
		"type":      "data",
		"size":      size,
		"target":    target,
		"cid":       cid,
	}).Debug("data")
}

func (l *Logger) LogError(direction string, err error, target string, cid int32) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file == nil {
		return
	}
	l.entry().WithFields(logrus.Fields{
		"direction": direction,
		"type":      "error",
		"target":    target,
		"cid":       cid,
	}).WithError(err).Error("error")
}

func (l *Logger) LogEvent(message string, cid int32) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file == nil {
		return
	}
	l.entry().WithFields(logrus.Fields{
		"type": "event",
		"cid":  cid,
	}).Info(message)
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) GetLogPath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.file != nil {
		return l.file.Name()
	}
	return ""
}
