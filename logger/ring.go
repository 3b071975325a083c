package logger

import (
	"strings"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time      time.Time         `json:"ts"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Component string            `json:"component,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Ring is a Printer that keeps the most recent entries in memory so they can
// be queried back (the get_logs operation). Oldest entries are overwritten
// once the ring is full.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

const DefaultRingSize = 1000

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, size)}
}

func (r *Ring) Print(level Level, message string, fields Fields) {
	e := Entry{
		Time:    time.Now(),
		Level:   level.String(),
		Message: message,
	}
	for _, f := range fields {
		switch f.Key() {
		case "component":
			e.Component = f.String()
		case "operation":
			e.Operation = f.String()
		default:
			if e.Fields == nil {
				e.Fields = map[string]string{}
			}
			e.Fields[f.Key()] = f.String()
		}
	}

	// Log calls tag their origin with a "[Store] ..." style prefix; fold
	// that into the component so it is filterable without every call site
	// attaching a field.
	if e.Component == "" {
		if tag, ok := bracketTag(message); ok {
			e.Component = tag
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func bracketTag(message string) (string, bool) {
	if len(message) < 3 || message[0] != '[' {
		return "", false
	}
	end := strings.IndexByte(message, ']')
	if end <= 1 {
		return "", false
	}
	return strings.ToLower(message[1:end]), true
}

// Query returns up to count entries, newest last, filtered by level name,
// component, and operation. Empty filter values match everything; count <= 0
// means no limit.
func (r *Ring) Query(level, component, operation string, count int) []Entry {
	r.mu.Lock()
	var in []Entry
	if r.full {
		in = append(in, r.entries[r.next:]...)
	}
	in = append(in, r.entries[:r.next]...)
	r.mu.Unlock()

	var minLevel Level = DEBUG
	if level != "" {
		if l, err := ParseLevel(level); err == nil {
			minLevel = l
		}
	}

	out := make([]Entry, 0, len(in))
	for _, e := range in {
		if l, err := ParseLevel(e.Level); err != nil || l < minLevel {
			continue
		}
		if component != "" && !strings.EqualFold(e.Component, component) {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		out = append(out, e)
	}

	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out
}
