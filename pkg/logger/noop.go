package logger

// noopLogger discards everything. It backs EnsureLogger so constructors can
// take an optional logger without nil checks at every call site.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, tags ...any)       {}
func (l *noopLogger) Info(msg string, tags ...any)        {}
func (l *noopLogger) Warn(msg string, tags ...any)        {}
func (l *noopLogger) Error(msg string, tags ...any)       {}
func (l *noopLogger) Fatal(msg string, tags ...any)       {}
func (l *noopLogger) Debugf(template string, args ...any) {}
func (l *noopLogger) Infof(template string, args ...any)  {}
func (l *noopLogger) Warnf(template string, args ...any)  {}
func (l *noopLogger) Errorf(template string, args ...any) {}
func (l *noopLogger) Fatalf(template string, args ...any) {}
func (l *noopLogger) With(tags ...any) Logger             { return l }

// NoOpLogger returns a logger that drops every call.
func NoOpLogger() Logger {
	return &noopLogger{}
}

// EnsureLogger returns l unchanged when it is non-nil, otherwise a no-op
// logger, so a nil logger never panics downstream.
func EnsureLogger(l Logger) Logger {
	if l == nil {
		return NoOpLogger()
	}
	return l
}
