// Package logging is a small key=value logger in the teacher's own style:
// internal/cli/agent.go and internal/app/executor/executor.go format
// operator-facing output with plain fmt/log calls rather than a
// third-party structured logger, so this package stays on stdlib log too
// (see DESIGN.md, "Logging").
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Logger writes leveled, tagged lines to an underlying *log.Logger.
type Logger struct {
	std *log.Logger
	tag string
}

// New creates a Logger tagged with component (e.g. "engine", "dispatch").
func New(component string) *Logger {
	return &Logger{std: log.New(os.Stderr, "", log.LstdFlags), tag: component}
}

func (l *Logger) log(level string, kvs ...any) {
	var b strings.Builder
	fmt.Fprintf(&b, "level=%s component=%s", level, l.tag)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	l.std.Println(b.String())
}

func (l *Logger) Info(kvs ...any)  { l.log("info", kvs...) }
func (l *Logger) Warn(kvs ...any)  { l.log("warn", kvs...) }
func (l *Logger) Error(kvs ...any) { l.log("error", kvs...) }
func (l *Logger) Debug(kvs ...any) { l.log("debug", kvs...) }
