package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger appends events to a JSONL file, one event per line. Events
// are kept in memory as well so Query does not have to re-read the file
// for events logged in this process.
type FileLogger struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	cache []Event
}

// NewFileLogger opens (or creates) the log file for appending.
func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &FileLogger{file: file, path: path}, nil
}

var _ Logger = (*FileLogger)(nil)

func (l *FileLogger) Log(event Event) error {
	event = stamp(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log is closed")
	}
	if _, err = l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	l.cache = append(l.cache, event)
	return nil
}

func (l *FileLogger) Query(q Query) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var results []Event
	for _, event := range events {
		if !matches(event, q) {
			continue
		}
		results = append(results, event)
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	return results, nil
}

// readAll reads every event from disk so Query sees events written by
// earlier processes, not just this one.
func (l *FileLogger) readAll() ([]Event, error) {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// Skip corrupt lines rather than losing the rest of the log.
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan audit log: %w", err)
	}
	return events, nil
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
