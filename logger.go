package follower

// Logger is the structured logging interface accepted by the Follower
// runtime and the append coalescer. It mirrors the teacher's plain
// Debug/Info/Warn/Error shape so any slog/zap/zerolog adapter can satisfy
// it with a thin wrapper.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger discards everything. It is the default when no Logger option
// is supplied.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...interface{}) {}
func (noopLogger) Info(msg string, args ...interface{})  {}
func (noopLogger) Warn(msg string, args ...interface{})  {}
func (noopLogger) Error(msg string, args ...interface{}) {}
