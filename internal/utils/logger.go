// internal/utils/logger.go
package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Logger 结构化日志门面，底层是 charmbracelet/log
type Logger struct {
	mu   sync.Mutex
	base *log.Logger
	file *os.File
}

// LoggerOptions 日志初始化参数
type LoggerOptions struct {
	Level  string // debug | info | warn | error
	Format string // text | json
	File   string // 非空时同时写入文件
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

func newBase(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05.000",
		Prefix:          "serialwriter",
	})
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{base: newBase(os.Stderr)}
	})
	return globalLogger
}

// NewLogger 创建独立实例，测试里写到 buffer
func NewLogger(w io.Writer) *Logger {
	return &Logger{base: newBase(w)}
}

// InitLogger 按配置设置级别、格式和输出文件
func InitLogger(opts LoggerOptions) error {
	l := GetLogger()
	l.mu.Lock()
	defer l.mu.Unlock()

	var out io.Writer = os.Stderr
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		if l.file != nil {
			l.file.Close()
		}
		l.file = file
		out = io.MultiWriter(os.Stderr, file)
	}

	base := newBase(out)
	if opts.Level != "" {
		level, err := log.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		base.SetLevel(level)
	}
	if strings.EqualFold(opts.Format, "json") {
		base.SetFormatter(log.JSONFormatter)
	}
	l.base = base
	return nil
}

// With 派生带固定字段的子日志
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{base: l.base.With(flatten(fields)...)}
}

// flatten map 转 keyvals，按 key 排序保证输出稳定
func flatten(fields map[string]interface{}) []interface{} {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return kv
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.base.Debug(message, flatten(fields)...)
}

// Info logs an info message
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.base.Info(message, flatten(fields)...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.base.Warn(message, flatten(fields)...)
}

// Error logs an error message
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.base.Error(message, flatten(fields)...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields map[string]interface{}) {
	l.base.Fatal(message, flatten(fields)...)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.base.Debugf(format, args...)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.base.Infof(format, args...)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.base.Warnf(format, args...)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.base.Errorf(format, args...)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.base.Fatalf(format, args...)
}
