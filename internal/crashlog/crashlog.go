package crashlog

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/neboloop/chatbridge/internal/db"
)

// Logger persists errors and panics to the error_logs table.
// Safe for concurrent use from multiple goroutines.
type Logger struct {
	store *db.Store
	mu    sync.Mutex
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init sets up the global crash logger. Call once at startup.
func Init(store *db.Store) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if store == nil {
		global = nil
		return
	}
	global = &Logger{store: store}
}

// LogPanic records a recovered panic with a full stack trace.
// Safe to call even if Init() was never called (prints to stdout as fallback).
func LogPanic(module string, r any, ctx map[string]string) {
	msg := fmt.Sprintf("%v", r)
	stack := make([]byte, 4096)
	n := runtime.Stack(stack, false)
	stackStr := string(stack[:n])

	// Always print to stdout for immediate visibility
	fmt.Printf("[PANIC] %s: %s\n%s\n", module, msg, stackStr)

	if l := current(); l != nil {
		l.insert("panic", module, msg, stackStr, ctx)
	}
}

// LogError records an error with optional context.
func LogError(module string, err error, ctx map[string]string) {
	if err == nil {
		return
	}

	l := current()
	if l == nil {
		fmt.Printf("[ERROR] %s: %v\n", module, err)
		return
	}

	l.insert("error", module, err.Error(), "", ctx)
}

// LogWarn records a warning.
func LogWarn(module string, msg string, ctx map[string]string) {
	l := current()
	if l == nil {
		fmt.Printf("[WARN] %s: %s\n", module, msg)
		return
	}

	l.insert("warn", module, msg, "", ctx)
}

func current() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

func (l *Logger) insert(level, module, message, stacktrace string, ctx map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = l.store.InsertErrorLog(c, db.ErrorLog{
		Level:      level,
		Module:     module,
		Message:    message,
		Stacktrace: stacktrace,
		Context:    ctx,
	})
}
