package logging

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

type Logger struct {
	mu                sync.Mutex
	enableInfo        bool
	enableDebug       bool
	enableTracing     bool
	enableProfiling   bool
	mutraceSubsystems sync.Mutex
	traceSubsystems   map[string]bool
	stdoutLogger      *log.Logger
	stderrLogger      *log.Logger
	infoLogger        *log.Logger
	warnLogger        *log.Logger
	errorLogger       *log.Logger
	debugLogger       *log.Logger
	traceLogger       *log.Logger
	profileLogger     *log.Logger
}

func NewLogger(stdout io.Writer, stderr io.Writer) *Logger {
	opts := func(prefix string) log.Options {
		return log.Options{Prefix: prefix, ReportTimestamp: true}
	}
	return &Logger{
		stdoutLogger:    log.NewWithOptions(stdout, log.Options{}),
		stderrLogger:    log.NewWithOptions(stderr, log.Options{}),
		infoLogger:      log.NewWithOptions(stdout, opts("info")),
		warnLogger:      log.NewWithOptions(stderr, opts("warn")),
		errorLogger:     log.NewWithOptions(stderr, opts("error")),
		debugLogger:     log.NewWithOptions(stdout, opts("debug")),
		traceLogger:     log.NewWithOptions(stdout, opts("trace")),
		profileLogger:   log.NewWithOptions(stdout, opts("profile")),
		traceSubsystems: make(map[string]bool),
	}
}

// NewDiscard returns a logger that drops everything, for library callers
// and tests that did not configure one.
func NewDiscard() *Logger {
	return NewLogger(io.Discard, io.Discard)
}

func (l *Logger) Printf(format string, args ...interface{}) {
	l.infoLogger.Printf(format, args...)
}

func (l *Logger) Stdout(format string, args ...interface{}) {
	l.stdoutLogger.Printf(format, args...)
}

func (l *Logger) Stderr(format string, args ...interface{}) {
	l.stderrLogger.Printf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.mu.Lock()
	enabled := l.enableInfo
	l.mu.Unlock()
	if enabled {
		l.infoLogger.Printf(format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.warnLogger.Printf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.errorLogger.Printf(format, args...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.mu.Lock()
	enabled := l.enableDebug
	l.mu.Unlock()
	if enabled {
		l.debugLogger.Printf(format, args...)
	}
}

func (l *Logger) Profile(format string, args ...interface{}) {
	l.mu.Lock()
	enabled := l.enableProfiling
	l.mu.Unlock()
	if enabled {
		l.profileLogger.Printf(format, args...)
	}
}

func (l *Logger) Trace(subsystem string, format string, args ...interface{}) {
	l.mu.Lock()
	enabled := l.enableTracing
	l.mu.Unlock()
	if !enabled {
		return
	}

	l.mutraceSubsystems.Lock()
	_, exists := l.traceSubsystems[subsystem]
	if !exists {
		_, exists = l.traceSubsystems["all"]
	}
	l.mutraceSubsystems.Unlock()
	if exists {
		l.traceLogger.Printf(subsystem+": "+format, args...)
	}
}

func (l *Logger) EnableInfo() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableInfo = true
}

func (l *Logger) EnableDebug() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableDebug = true
}

func (l *Logger) EnableProfiling() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableProfiling = true
}

// EnableTrace turns on tracing for a comma separated list of subsystems,
// "all" matching every subsystem.
func (l *Logger) EnableTrace(traces string) {
	l.mu.Lock()
	l.enableTracing = true
	l.mu.Unlock()

	l.mutraceSubsystems.Lock()
	defer l.mutraceSubsystems.Unlock()
	l.traceSubsystems = make(map[string]bool)
	for _, subsystem := range strings.Split(traces, ",") {
		subsystem = strings.TrimSpace(subsystem)
		if subsystem != "" {
			l.traceSubsystems[subsystem] = true
		}
	}
}
