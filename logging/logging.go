// Package logging provides structured JSON logging for the cache and
// query lifecycle engine, with a correlation ID attached per operation.
package logging

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Level mirrors the severity buckets the teacher's middleware used for
// HTTP status ranges, remapped onto lifecycle outcomes.
type Level string

const (
	Info  Level = "INFO"
	Warn  Level = "WARN"
	Error Level = "ERROR"
)

// Logger writes structured, single-line JSON log entries. It carries no
// state beyond an optional name so the zero value is usable.
type Logger struct {
	Component string
}

// New returns a Logger tagging every entry with component (e.g.
// "query", "mutation", "store").
func New(component string) *Logger {
	return &Logger{Component: component}
}

// NewCorrelationID generates a fresh correlation ID for one query
// execution, mutation, or GC pass.
func NewCorrelationID() string {
	return uuid.New().String()
}

// Event logs a single lifecycle occurrence. fields is merged into the
// JSON payload alongside timestamp/component/correlation_id/event.
func (l *Logger) Event(level Level, correlationID, event string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		"component":      l.Component,
		"correlation_id": correlationID,
		"event":          event,
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] logging: failed to marshal entry: %v", err)
		log.Printf("[%s] %s %s", l.Component, correlationID, event)
		return
	}
	log.Printf("[%s] %s", level, string(data))
}

func (l *Logger) Infof(correlationID, event string, fields map[string]interface{}) {
	l.Event(Info, correlationID, event, fields)
}

func (l *Logger) Warnf(correlationID, event string, fields map[string]interface{}) {
	l.Event(Warn, correlationID, event, fields)
}

func (l *Logger) Errorf(correlationID, event string, fields map[string]interface{}) {
	l.Event(Error, correlationID, event, fields)
}
