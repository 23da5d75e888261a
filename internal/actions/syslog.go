package actions

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"strings"
)

type Severity string

const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError:
		return sev, nil
	case "":
		return SeverityInfo, nil
	case "WARN":
		return SeverityWarning, nil
	case "ERR":
		return SeverityError, nil
	}
	return "", fmt.Errorf("unknown syslog severity %q", s)
}

// SyslogWriter is satisfied by *syslog.Writer.
type SyslogWriter interface {
	Debug(m string) error
	Info(m string) error
	Warning(m string) error
	Err(m string) error
}

// NewSyslogWriter connects to the local syslog daemon.
func NewSyslogWriter(tag string) (SyslogWriter, error) {
	return syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
}

// LogWriter sends syslog messages to a slog logger, for hosts without a
// syslog socket.
type LogWriter struct {
	Logger *slog.Logger
}

func (w LogWriter) log(level slog.Level, m string) error {
	w.Logger.Log(context.Background(), level, m, slog.String("sink", "syslog"))
	return nil
}

func (w LogWriter) Debug(m string) error   { return w.log(slog.LevelDebug, m) }
func (w LogWriter) Info(m string) error    { return w.log(slog.LevelInfo, m) }
func (w LogWriter) Warning(m string) error { return w.log(slog.LevelWarn, m) }
func (w LogWriter) Err(m string) error     { return w.log(slog.LevelError, m) }

// Syslog formats template with args and emits it at severity. Parameter
// handles format redacted when encrypted.
func (b *Bus) Syslog(severity Severity, template string, args ...any) error {
	if b.Destroyed() {
		return ErrDestroyed
	}
	msg := template
	if len(args) > 0 {
		msg = fmt.Sprintf(template, args...)
	}
	w := b.exec.Syslog
	if w == nil {
		w = LogWriter{Logger: b.logger}
	}
	var err error
	switch severity {
	case SeverityDebug:
		err = w.Debug(msg)
	case SeverityWarning:
		err = w.Warning(msg)
	case SeverityError:
		err = w.Err(msg)
	case SeverityInfo, "":
		err = w.Info(msg)
	default:
		err = fmt.Errorf("unknown syslog severity %q", severity)
	}
	return b.done(KindSyslog, err)
}
