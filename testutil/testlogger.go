// Package testutil holds test doubles shared by the gateway's packages.
package testutil

import (
	"bytes"
	"strings"
	"sync"

	"github.com/schue/moqui-mcp-sub002/logger"
)

// TestLogger captures log output in memory so tests can assert on it.
type TestLogger struct {
	*logger.Logger
	buf *lockedBuffer
}

// NewTestLogger returns a DEBUG-level text logger backed by a buffer.
func NewTestLogger() *TestLogger {
	buf := &lockedBuffer{}
	return &TestLogger{
		Logger: logger.NewLoggerTo(logger.Config{Level: "DEBUG", Format: "text"}, buf),
		buf:    buf,
	}
}

// Output returns everything logged so far.
func (l *TestLogger) Output() string {
	return l.buf.String()
}

// Contains reports whether the log output contains s.
func (l *TestLogger) Contains(s string) bool {
	return strings.Contains(l.Output(), s)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
