package logging

import "github.com/sirupsen/logrus"

// logrusSink adapts a *logrus.Logger to the Logger interface so it can be
// registered with the package-level proxy like any other sink.
type logrusSink struct {
	entry *logrus.Logger
}

func (s *logrusSink) Trace(format string, args ...interface{}) {
	s.entry.Tracef(format, args...)
}

func (s *logrusSink) Debug(format string, args ...interface{}) {
	s.entry.Debugf(format, args...)
}

func (s *logrusSink) Info(format string, args ...interface{}) {
	s.entry.Infof(format, args...)
}

func (s *logrusSink) Warn(format string, args ...interface{}) {
	s.entry.Warnf(format, args...)
}

func (s *logrusSink) Error(format string, args ...interface{}) {
	s.entry.Errorf(format, args...)
}

// defaultSinkName is the registration key used for the package-provided
// logrus sink, so callers can RemoveLogger(defaultSinkName) to silence it.
const defaultSinkName = "logrus-default"

func init() {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	AddLogger(defaultSinkName, &logrusSink{entry: l})
}
