package core

// Logger is any service that can report application events.
// args may hold errors, map[string]interface{} extras or domain values the implementation knows how to flatten.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Fielder is implemented by values that carry identifiers worth attaching to log entries.
type Fielder interface {
	LogFields() map[string]interface{}
}
