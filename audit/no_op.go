package audit

// NoOpLogger discards all events. It is the default when auditing is not
// configured.
type NoOpLogger struct{}

// NewNoOpLogger creates a logger that does nothing.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

var _ Logger = (*NoOpLogger)(nil)

func (l *NoOpLogger) Log(Event) error {
	return nil
}

func (l *NoOpLogger) Query(Query) ([]Event, error) {
	return []Event{}, nil
}

func (l *NoOpLogger) Close() error {
	return nil
}
