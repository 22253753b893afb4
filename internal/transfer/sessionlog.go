package transfer

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// maxSessionLogLines bounds the lines kept per connection.
const maxSessionLogLines = 500

// SessionLog collects the timestamped trace of one inbound connection so it
// can be handed back with the ticket it authenticated against.
type SessionLog struct {
	remote string

	mu      sync.Mutex
	lines   []string
	dropped int
}

// NewSessionLog returns an empty log for the connection from remote.
func NewSessionLog(remote string) *SessionLog {
	return &SessionLog{remote: remote}
}

// Printf appends one line.
func (l *SessionLog) Printf(format string, args ...any) {
	line := fmt.Sprintf("%s [%s] %s", time.Now().UTC().Format(time.RFC3339Nano), l.remote, fmt.Sprintf(format, args...))
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lines) >= maxSessionLogLines {
		l.dropped++
		return
	}
	l.lines = append(l.lines, line)
}

// Lines returns the recorded lines.
func (l *SessionLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := slices.Clone(l.lines)
	if l.dropped > 0 {
		out = append(out, fmt.Sprintf("... %d more lines dropped", l.dropped))
	}
	return out
}
