// Package klog is the kernel's structured logging facade, backed by
// logrus so call sites can attach fields instead of formatting
// positional strings, and so severity can gate what actually gets
// printed (Info by default; SetLevel changes it).
package klog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts global verbosity to a logrus level name such as
// "debug".
func SetLevel(level string) error {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	root.SetLevel(lv)
	return nil
}

// Fields is a type alias so call sites don't need to import logrus
// directly.
type Fields = logrus.Fields

// Info logs a routine, expected kernel event (pr_info).
func Info(msg string, f Fields) {
	root.WithFields(f).Info(msg)
}

// Warn logs a recoverable but noteworthy condition (pr_warn).
func Warn(msg string, f Fields) {
	root.WithFields(f).Warn(msg)
}

// Error logs an operation failure that was contained (pr_err).
func Error(msg string, f Fields) {
	root.WithFields(f).Error(msg)
}

// Emerg logs an unrecoverable kernel condition immediately before a
// panic (pr_emerg). It does not itself panic; callers still panic so
// the stack trace points at the real fault site.
func Emerg(msg string, f Fields) {
	root.WithFields(f).Error("EMERG: " + msg)
}
