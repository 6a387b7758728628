package events

import (
	"fmt"
	"strings"
	"sync"
)

// Separator joins audit entries when the log is rendered as one string.
const Separator = "\n---\n"

// AuditLog is the ordered, append-only record of one pipeline run.
type AuditLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *AuditLog) Add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *AuditLog) Addf(format string, args ...any) {
	l.Add(fmt.Sprintf(format, args...))
}

// Command records an external invocation together with its output.
func (l *AuditLog) Command(args []string, output string) {
	l.Add(fmt.Sprintf("CMD: %s\nOUT: %s", strings.Join(args, " "), output))
}

// Entries returns a copy of the log.
func (l *AuditLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.entries...)
}

func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *AuditLog) String() string {
	return strings.Join(l.Entries(), Separator)
}
