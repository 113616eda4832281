package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel orders messages from chatty to urgent.
type LogLevel int

const (
	// Debug covers per-segment and per-short-read detail.
	Debug LogLevel = iota
	Info
	// Warn is for conditions the run survives, such as a recovered transport error.
	Warn
	Error
)

var levelNames = map[LogLevel]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
}

// String returns the upper-case level name.
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// DirMode is used when creating the log directory.
const DirMode os.FileMode = 0755

// Logger is a leveled logger. Output goes to the console writer (stderr by
// default, stdout carries telemetry) and optionally to a rotated log file.
type Logger struct {
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	level       LogLevel
	mu          sync.Mutex
	file        io.Closer
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Config selects the level and the optional rotated log file.
type Config struct {
	// LogLevel is the lowest level written.
	LogLevel LogLevel
	// LogFile, when set, receives a copy of every line and is rotated.
	LogFile string
	// MaxSizeMB is the maximum size in megabytes before the log file is rotated
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep
	MaxBackups int
	// MaxAgeDays is the number of days to retain rotated files
	MaxAgeDays int
	// Compress gzips rotated files
	Compress bool
	// Console overrides the console writer. Defaults to os.Stderr
	Console io.Writer
}

// Initialize builds the process-wide logger. Later calls are no-ops.
func Initialize(config Config) error {
	var err error
	once.Do(func() {
		defaultLogger, err = NewLogger(config)
	})
	return err
}

// NewLogger returns a logger writing to the console and, if configured, the log file.
func NewLogger(config Config) (*Logger, error) {
	console := config.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{console}

	var closer io.Closer
	if config.LogFile != "" {
		config.LogFile = filepath.Clean(config.LogFile)
		if err := os.MkdirAll(filepath.Dir(config.LogFile), DirMode); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.MaxSizeMB,
			MaxAge:     config.MaxAgeDays,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}
		closer = rotator
		writers = append(writers, rotator)
	}

	out := io.MultiWriter(writers...)
	flags := log.Ldate | log.Ltime | log.Lmicroseconds

	return &Logger{
		debugLogger: log.New(out, "DEBUG: ", flags),
		infoLogger:  log.New(out, "INFO: ", flags),
		warnLogger:  log.New(out, "WARN: ", flags),
		errorLogger: log.New(out, "ERROR: ", flags),
		level:       config.LogLevel,
		file:        closer,
	}, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	l, _ := NewLogger(Config{LogLevel: Error + 1, Console: io.Discard})
	return l
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.level <= level
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.output(Debug, l.debugLogger, format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.output(Info, l.infoLogger, format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.output(Warn, l.warnLogger, format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.output(Error, l.errorLogger, format, v...)
}

func (l *Logger) output(level LogLevel, target *log.Logger, format string, v ...interface{}) {
	if l.level > level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	target.Printf(format, v...)
}

// GetLogger returns the logger set up by Initialize.
func GetLogger() *Logger {
	if defaultLogger == nil {
		panic("logger not initialized")
	}
	return defaultLogger
}

// ParseLogLevel accepts the lower- or upper-case level name. Unknown names
// return Info along with an error.
func ParseLogLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return Debug, nil
	case "info", "INFO":
		return Info, nil
	case "warn", "WARN":
		return Warn, nil
	case "error", "ERROR":
		return Error, nil
	default:
		return Info, fmt.Errorf("unknown log level: %s", level)
	}
}
