package core

// Logger is the application-wide logging contract.
// Implementations may inspect trailing args for context (errors, user tags).
type Logger interface {
	Enable(enabled bool)
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// UserTag marks a log arg as the acting user so error reporters can attach
// the person to the report.
type UserTag struct {
	ID string
}
