// Package mlog provides logging with log levels and fields, on top of log/slog.
//
// Each log level has a function to log with and without error. Each such
// function takes a varargs list of slog attributes. Variable data should be in
// attributes. Logging strings themselves should be constant, for easier log
// processing.
//
// The log levels can be configured per originating package, e.g. store,
// manager. The configuration is application-global, so each Log instance uses
// the same log levels.
//
// Print* should be used for lines that always should be printed, regardless of
// configured log levels.
package mlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var noctx = context.Background()

// Extra levels on top of slog's Debug/Info/Warn/Error.
const (
	LevelTrace slog.Level = -8
	LevelPrint slog.Level = 12 // Printed regardless of configured log level.
)

// Levels maps names as used in configuration files to levels.
var Levels = map[string]slog.Level{
	"print": LevelPrint,
	"error": slog.LevelError,
	"info":  slog.LevelInfo,
	"debug": slog.LevelDebug,
	"trace": LevelTrace,
}

// LevelStrings is the inverse of Levels.
var LevelStrings = map[slog.Level]string{
	LevelPrint:      "print",
	slog.LevelError: "error",
	slog.LevelWarn:  "warn",
	slog.LevelInfo:  "info",
	slog.LevelDebug: "debug",
	LevelTrace:      "trace",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Value

// Output for lines logged through the default handler, holds an outputWriter.
// Tests may replace it.
var output atomic.Value

type outputWriter struct{ io.Writer }

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelError})
	output.Store(outputWriter{os.Stderr})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// SetOutput changes where lines from the default handler are written.
func SetOutput(w io.Writer) {
	output.Store(outputWriter{w})
}

// Log wraps a slog.Logger. Instances are cheap to copy.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds "pkg" to each logged line. If elog is nil, a
// logger writing logfmt-style lines to stderr is used. If elog is not nil, the
// lines are passed to its handler, still filtered by the per-package levels.
func New(pkg string, elog *slog.Logger) Log {
	var h slog.Handler
	if elog == nil {
		h = slog.NewTextHandler(writer{}, &slog.HandlerOptions{
			Level:       LevelTrace,
			ReplaceAttr: replaceLevel,
		})
	} else {
		h = elog.Handler()
	}
	return Log{slog.New(&handler{pkg: pkg, next: h}).With(slog.String("pkg", pkg))}
}

// writer looks up the current output on every write.
type writer struct{}

func (writer) Write(buf []byte) (int, error) {
	return output.Load().(outputWriter).Write(buf)
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok {
			if s, ok := LevelStrings[l]; ok {
				return slog.String(slog.LevelKey, s)
			}
		}
	}
	return a
}

// handler filters records by the level configured for its package.
type handler struct {
	pkg  string
	next slog.Handler
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelPrint {
		return true
	}
	cl := config.Load().(map[string]slog.Level)
	v, ok := cl[h.pkg]
	if !ok {
		v = cl[""]
	}
	return level >= v
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{h.pkg, h.next.WithAttrs(attrs)}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{h.pkg, h.next.WithGroup(name)}
}

// With returns a new Log with attrs added to each line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.Logger.Enabled(noctx, level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.String("err", err.Error())}, attrs...)
	}
	l.Logger.LogAttrs(noctx, level, msg, attrs...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) { l.logx(LevelTrace, nil, msg, attrs...) }

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(slog.LevelDebug, nil, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelDebug, err, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.logx(slog.LevelInfo, nil, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelInfo, err, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(slog.LevelError, nil, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(slog.LevelError, err, msg, attrs...)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.logx(LevelPrint, nil, msg, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, err, msg, attrs...)
}

// Check logs an error if err is not nil. Intended for logging errors of function
// calls whose errors cannot be handled otherwise, e.g. closing files.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// ParseLevels turns a default level name and per-package level names into a
// configuration for SetConfig.
func ParseLevels(def string, pkgs map[string]string) (map[string]slog.Level, []string) {
	var unknown []string
	c := map[string]slog.Level{"": slog.LevelError}
	if def != "" {
		if l, ok := Levels[strings.ToLower(def)]; ok {
			c[""] = l
		} else {
			unknown = append(unknown, def)
		}
	}
	for pkg, s := range pkgs {
		if l, ok := Levels[strings.ToLower(s)]; ok {
			c[pkg] = l
		} else {
			unknown = append(unknown, s)
		}
	}
	return c, unknown
}
