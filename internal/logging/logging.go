// Package logging adapts logrus to the peertransit Logger.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mickamy/peertransit"
)

var _ peertransit.Logger = Logger{}

type Logger struct {
	entry *logrus.Entry
}

// New wraps entry; a nil entry logs through the standard logrus logger.
func New(entry *logrus.Entry) Logger {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return Logger{entry: entry}
}

// With returns a logger carrying extra fields, e.g. the tenant.
func (l Logger) With(fields logrus.Fields) Logger {
	return Logger{entry: l.entry.WithFields(fields)}
}

func (l Logger) Info(ctx context.Context, format string, v ...any) {
	l.entry.WithContext(ctx).Infof(format, v...)
}

func (l Logger) Warn(ctx context.Context, format string, v ...any) {
	l.entry.WithContext(ctx).Warnf(format, v...)
}

func (l Logger) Error(ctx context.Context, format string, v ...any) {
	l.entry.WithContext(ctx).Errorf(format, v...)
}

// Configure sets the global logrus level and formatter from a level name; json selects the JSON formatter.
func Configure(level string, json bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
