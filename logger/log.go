// Package logger provides a leveled logger for the shellgate service.
//
// Log lines can be printed as coloured text or as JSON objects, and are
// optionally mirrored into a bounded in-memory ring so that recent entries
// can be served back over the RPC surface.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	nocolor = "0"
	red     = "31"
	green   = "38;5;48"
	yellow  = "33"
	gray    = "38;5;251"
	cyan    = "1;36"
)

const DateFormat = "2006-01-02 15:04:05"

type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Notice(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
	Fatal(format string, v ...any)

	WithFields(fields ...Field) Logger
	SetLevel(level Level)
	Level() Level
}

// ConsoleLogger is a Logger that writes each entry through a Printer.
type ConsoleLogger struct {
	level   Level
	printer Printer
	fields  Fields
	exitFn  func(int)

	mu sync.Mutex
}

func NewConsoleLogger(printer Printer, exitFn func(int)) Logger {
	if exitFn == nil {
		exitFn = os.Exit
	}
	return &ConsoleLogger{
		level:   INFO,
		printer: printer,
		exitFn:  exitFn,
	}
}

// WithFields returns a copy of the logger with the provided fields appended.
func (l *ConsoleLogger) WithFields(fields ...Field) Logger {
	clone := &ConsoleLogger{
		level:   l.level,
		printer: l.printer,
		exitFn:  l.exitFn,
	}
	clone.fields = append(clone.fields, l.fields...)
	clone.fields.Add(fields...)
	return clone
}

func (l *ConsoleLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *ConsoleLogger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *ConsoleLogger) log(level Level, format string, v ...any) {
	if level < l.Level() {
		return
	}
	l.printer.Print(level, fmt.Sprintf(format, v...), l.fields)
}

func (l *ConsoleLogger) Debug(format string, v ...any)  { l.log(DEBUG, format, v...) }
func (l *ConsoleLogger) Info(format string, v ...any)   { l.log(INFO, format, v...) }
func (l *ConsoleLogger) Notice(format string, v ...any) { l.log(NOTICE, format, v...) }
func (l *ConsoleLogger) Warn(format string, v ...any)   { l.log(WARN, format, v...) }
func (l *ConsoleLogger) Error(format string, v ...any)  { l.log(ERROR, format, v...) }

func (l *ConsoleLogger) Fatal(format string, v ...any) {
	l.log(FATAL, format, v...)
	l.exitFn(1)
}

// Printer renders a single log entry to an output.
type Printer interface {
	Print(level Level, message string, fields Fields)
}

// TextPrinter prints log entries as formatted, optionally coloured, lines.
type TextPrinter struct {
	Colors bool

	mu     sync.Mutex
	writer io.Writer
}

func NewTextPrinter(w io.Writer) *TextPrinter {
	return &TextPrinter{writer: w}
}

func (p *TextPrinter) Print(level Level, message string, fields Fields) {
	now := time.Now().Format(DateFormat)

	line := ""
	if p.Colors {
		levelColor := green
		messageColor := nocolor

		switch level {
		case DEBUG:
			levelColor = gray
			messageColor = gray
		case NOTICE:
			levelColor = cyan
		case WARN:
			levelColor = yellow
		case ERROR, FATAL:
			levelColor = red
		}

		line = fmt.Sprintf("\x1b[%sm%s %-6s\x1b[0m \x1b[%sm%s\x1b[0m", levelColor, now, level, messageColor, message)
	} else {
		line = fmt.Sprintf("%s %-6s %s", now, level, message)
	}

	for _, f := range fields {
		line += fmt.Sprintf(" %s=%s", f.Key(), f.String())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.writer, line)
}

// JSONPrinter prints log entries as single-line JSON objects.
type JSONPrinter struct {
	mu     sync.Mutex
	writer io.Writer
}

func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

func (p *JSONPrinter) Print(level Level, message string, fields Fields) {
	entry := map[string]string{
		"ts":      time.Now().Format(time.RFC3339Nano),
		"level":   level.String(),
		"message": message,
	}
	for _, f := range fields {
		entry[f.Key()] = f.String()
	}

	b, err := json.Marshal(entry)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.writer.Write(b)
	p.writer.Write([]byte{'\n'})
}

// TeePrinter sends each entry to every wrapped printer.
type TeePrinter struct {
	printers []Printer
}

func NewTeePrinter(printers ...Printer) *TeePrinter {
	return &TeePrinter{printers: printers}
}

func (p *TeePrinter) Print(level Level, message string, fields Fields) {
	for _, printer := range p.printers {
		printer.Print(level, message, fields)
	}
}

type discard struct{}

// Discard is a Logger that throws everything away.
var Discard = discard{}

func (discard) Debug(string, ...any)         {}
func (discard) Info(string, ...any)          {}
func (discard) Notice(string, ...any)        {}
func (discard) Warn(string, ...any)          {}
func (discard) Error(string, ...any)         {}
func (discard) Fatal(string, ...any)         {}
func (d discard) WithFields(...Field) Logger { return d }
func (discard) SetLevel(Level)               {}
func (discard) Level() Level                 { return FATAL }
