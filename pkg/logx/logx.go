// Package logx provides leveled component logging with domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

type ctxKey struct{}

// WithComponent returns a context carrying the component name used by Debug.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ctxKey{}, component)
}

// Logger writes lines of the form "[ts] [component] LEVEL: message".
type Logger struct {
	component string
}

// Entry is one buffered log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Domain    string    `json:"domain,omitempty"`
}

// Buffer keeps the most recent entries in memory.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

// NewBuffer creates a ring buffer holding at most maxSize entries.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Buffer{entries: make([]Entry, 0, maxSize), maxSize: maxSize}
}

// Add appends an entry, evicting the oldest when full.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Entries returns a copy of buffered entries newer than since, optionally filtered by domain.
func (b *Buffer) Entries(domain string, since time.Time) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		e := &b.entries[i]
		if domain != "" && !strings.EqualFold(e.Domain, domain) {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

//nolint:gochecknoglobals // process-wide log sink and debug switches
var (
	outMu  sync.Mutex
	output io.Writer = os.Stderr

	debugMu      sync.RWMutex
	debugEnabled bool
	debugDomains map[string]bool // nil = all domains

	recent = NewBuffer(1000)
)

func init() { //nolint:gochecknoinits // env-driven debug switches
	configureFromEnv()
}

func configureFromEnv() {
	debugMu.Lock()
	defer debugMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugEnabled = true
	}
	if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
		debugDomains = make(map[string]bool)
		for _, d := range strings.Split(v, ",") {
			debugDomains[strings.TrimSpace(d)] = true
		}
	}
}

// SetOutput redirects all loggers. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

// SetDebug toggles debug output and restricts it to the given domains (none = all).
func SetDebug(enabled bool, domains ...string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugEnabled = enabled
	if len(domains) == 0 {
		debugDomains = nil
		return
	}
	debugDomains = make(map[string]bool, len(domains))
	for _, d := range domains {
		debugDomains[strings.TrimSpace(d)] = true
	}
}

// IsDebugEnabledForDomain reports whether Debug output for domain is on.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugEnabled {
		return false
	}
	return debugDomains == nil || debugDomains[domain]
}

// Recent returns buffered entries, see Buffer.Entries.
func Recent(domain string, since time.Time) []Entry {
	return recent.Entries(domain, since)
}

// NewLogger creates a logger for a component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// With returns a logger for a sub-component, e.g. "queue/openai".
func (l *Logger) With(sub string) *Logger {
	return &Logger{component: l.component + "/" + sub}
}

func write(component string, level Level, domain, message string) {
	now := time.Now().UTC()
	line := fmt.Sprintf("[%s] [%s] %s: %s\n", now.Format(timestampFormat), component, level, message)

	outMu.Lock()
	_, _ = io.WriteString(output, line)
	outMu.Unlock()

	recent.Add(Entry{Timestamp: now, Component: component, Level: level, Message: message, Domain: domain})
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.component) {
		return
	}
	write(l.component, LevelDebug, l.component, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) {
	write(l.component, LevelInfo, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...any) {
	write(l.component, LevelWarn, "", fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	write(l.component, LevelError, "", fmt.Sprintf(format, args...))
}

// Debug logs under a domain, taking the component name from ctx when present.
//
//	DEBUG=1                        # all domains
//	DEBUG=1 DEBUG_DOMAINS=queue    # only the dispatcher
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := "unknown"
	if ctx != nil {
		if v, ok := ctx.Value(ctxKey{}).(string); ok {
			component = v
		}
	}
	write(component, LevelDebug, domain, fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...)))
}

var defaultLogger = NewLogger("system") //nolint:gochecknoglobals

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
