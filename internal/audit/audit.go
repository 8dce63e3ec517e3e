// Package audit writes security-relevant actions to a rotating JSON log.
package audit

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hookline/hookline/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventTopicCreate   EventType = "topic_create"
	EventTopicUpdate   EventType = "topic_update"
	EventPublish       EventType = "publish"
	EventConsumerAdd   EventType = "consumer_register"
	EventConsumerEvict EventType = "consumer_evict"
	EventConsumerDrop  EventType = "consumer_deregister"

	EventAuthSuccess   EventType = "auth_success"
	EventAuthFailure   EventType = "auth_failure"
	EventAuthForbidden EventType = "auth_forbidden"
)

// Event represents an audit log entry.
type Event struct {
	Timestamp  time.Time
	EventType  EventType
	Principal  string
	ClientIP   string
	Method     string
	Path       string
	StatusCode int
	Tenant     string
	Namespace  string
	Topic      string
	Detail     string
	Error      string
}

// Logger handles audit logging. When a log file is configured the entries go
// through a size-rotated file; otherwise they go to stdout.
type Logger struct {
	cfg    config.AuditConfig
	logger *slog.Logger
	closer func() error
	mu     sync.Mutex
}

// NewLogger creates an audit logger from configuration.
func NewLogger(cfg config.AuditConfig) *Logger {
	l := &Logger{cfg: cfg}

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		l.logger = slog.New(slog.NewJSONHandler(rotator, nil))
		l.closer = rotator.Close
	} else {
		l.logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return l
}

// Close flushes and closes the underlying log file.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer()
	}
	return nil
}

// Log writes an audit event. Disabled loggers drop entries silently.
func (l *Logger) Log(ev Event) {
	if !l.cfg.Enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Info("audit",
		slog.Time("timestamp", ev.Timestamp),
		slog.String("event_type", string(ev.EventType)),
		slog.String("principal", ev.Principal),
		slog.String("client_ip", ev.ClientIP),
		slog.String("method", ev.Method),
		slog.String("path", ev.Path),
		slog.Int("status_code", ev.StatusCode),
		slog.String("tenant", ev.Tenant),
		slog.String("namespace", ev.Namespace),
		slog.String("topic", ev.Topic),
		slog.String("detail", ev.Detail),
		slog.String("error", ev.Error),
	)
}
