package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// WithStacktrace returns a new logrus.Entry carrying err and, if one can be found in the chain, its stack trace.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack walks down the Cause() chain and returns the first errors.StackTrace it meets, or nil.
func ExtractStack(err error) errors.StackTrace {
	switch e := err.(type) {
	case stackTracer:
		return e.StackTrace()
	case causer:
		return ExtractStack(e.Cause())
	}
	return nil
}
