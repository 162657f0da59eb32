// Package rlog wraps logrus the way rclone's fs package wraps its own
// logging facility: callers never import logrus directly, they get a
// small, role-scoped logger out of this package instead.
package rlog

import (
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLevel sets the base logger's verbosity, driven by -v/-vv/-vvv.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns a logger scoped to one role (master/source/destination) with
// a run id attached to every entry it emits. Each call generates a new id,
// so loggers from separate For calls, in one process or in different
// processes, carry different ids.
func For(role string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"role": role,
		"run":  uuid.NewString(),
	})
}
