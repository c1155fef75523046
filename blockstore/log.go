package blockstore

import (
	"io"

	"github.com/sirupsen/logrus"
)

// discardLogger is the default logger for every backend: silent unless a
// caller opts in with WithMemoryLogger, WithFileLogger or
// WithBadgerLogger, matching idiomatic embedded-library
// behavior.
func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
