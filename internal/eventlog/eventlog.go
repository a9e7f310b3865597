// Package eventlog writes one-line JSON events alongside the plain
// "[Component] ..." log lines, so state transitions can be grepped and parsed.
package eventlog

import (
	"encoding/json"
	"io"
	"log"
	"time"
)

// Logger emits structured events for one component of one instance.
// A nil *Logger discards everything.
type Logger struct {
	component string
	instance  string
	out       *log.Logger
}

// New returns a logger writing through the standard logger.
func New(component, instance string) *Logger {
	return &Logger{component: component, instance: instance, out: log.Default()}
}

// NewWithOutput returns a logger writing bare JSON lines to w.
func NewWithOutput(component, instance string, w io.Writer) *Logger {
	return &Logger{component: component, instance: instance, out: log.New(w, "", 0)}
}

// Info logs an informational event.
func (l *Logger) Info(eventType string, data map[string]interface{}) {
	l.emit("info", eventType, data)
}

// Warn logs a degraded-but-running event.
func (l *Logger) Warn(eventType string, data map[string]interface{}) {
	l.emit("warn", eventType, data)
}

// Error logs a failed operation.
func (l *Logger) Error(eventType string, data map[string]interface{}) {
	l.emit("error", eventType, data)
}

func (l *Logger) emit(level, eventType string, data map[string]interface{}) {
	if l == nil {
		return
	}

	event := make(map[string]interface{}, len(data)+5)
	for k, v := range data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		event[k] = v
	}
	event["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	event["level"] = level
	event["component"] = l.component
	event["event_type"] = eventType
	event["instance"] = l.instance

	jsonData, err := json.Marshal(event)
	if err != nil {
		log.Printf("[EventLog] Failed to marshal %s event: %v", eventType, err)
		return
	}

	l.out.Println(string(jsonData))
}
