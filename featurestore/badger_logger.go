package featurestore

import (
	"fmt"
	"log/slog"
	"strings"
)

// badgerLogger routes badger's printf-style logging into slog. Badger is
// chatty at info level, so info and debug both map to slog debug.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) msg(f string, v ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(f, v...))
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Error(b.msg(f, v...), "component", "badger")
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warn(b.msg(f, v...), "component", "badger")
}

func (b badgerLogger) Infof(f string, v ...interface{}) {
	b.l.Debug(b.msg(f, v...), "component", "badger")
}

func (b badgerLogger) Debugf(f string, v ...interface{}) {
	b.l.Debug(b.msg(f, v...), "component", "badger")
}
