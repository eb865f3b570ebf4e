// Package rlog provides per-component log level filtering for the router.
package rlog

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelVerbose Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// Config holds logging configuration, typically loaded from YAML.
type Config struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
}

// Hook is a callback invoked for every log message that passes level filtering.
// Message text never contains packet payload bytes, only sizes and counts.
type Hook func(level Level, tag, message string)

// Logger provides per-component log level filtering.
type Logger struct {
	globalLevel Level
	components  map[string]Level // lowercase component name -> level (immutable after init)
	levelCache  sync.Map         // tag -> Level (lock-free cache)
	hook        atomic.Pointer[Hook]
}

// ParseLevel converts a string level name to Level. Unrecognized values are LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "verbose", "trace":
		return LevelVerbose
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// New creates a Logger from config.
func New(cfg Config) *Logger {
	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]Level, len(cfg.Components)),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}
	return l
}

// levelFor returns the effective log level for a component tag, caching the result.
func (l *Logger) levelFor(tag string) Level {
	if v, ok := l.levelCache.Load(tag); ok {
		return v.(Level)
	}
	lvl := l.globalLevel
	if cl, ok := l.components[strings.ToLower(tag)]; ok {
		lvl = cl
	}
	l.levelCache.Store(tag, lvl)
	return lvl
}

// SetHook installs a callback invoked for every message that passes level
// filtering. Pass nil to remove it. Only one hook is active at a time.
func (l *Logger) SetHook(h Hook) {
	if h == nil {
		l.hook.Store(nil)
		return
	}
	l.hook.Store(&h)
}

func (l *Logger) emit(level Level, tag, msg string) {
	if hp := l.hook.Load(); hp != nil {
		(*hp)(level, tag, msg)
	}
}

func (l *Logger) logf(level Level, tag, format string, args ...any) {
	if l.levelFor(tag) > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", tag, msg)
	l.emit(level, tag, msg)
}

// Verbosef logs at verbose level — per-packet chatter, dropped segments.
func (l *Logger) Verbosef(tag, format string, args ...any) { l.logf(LevelVerbose, tag, format, args...) }

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) { l.logf(LevelDebug, tag, format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) { l.logf(LevelInfo, tag, format, args...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) { l.logf(LevelWarn, tag, format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) { l.logf(LevelError, tag, format, args...) }

// Log is the global logger instance, initialized at info level.
var Log = New(Config{})
