package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a config level name to a zap level; unknown names are info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New creates the JSON process logger writing to out (stdout when nil). When
// buf is non-nil, info and above is also recorded there for the status feed.
func New(level string, out io.Writer, buf *Buffer) *zap.Logger {
	if out == nil {
		out = os.Stdout
	}
	zapLevel := ParseLevel(level)

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(out), zapLevel)
	if buf != nil {
		statusLevel := zapLevel
		if statusLevel < zapcore.InfoLevel {
			statusLevel = zapcore.InfoLevel
		}
		core = zapcore.NewTee(core, NewBufferCore(buf, statusLevel))
	}

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// bufferCore renders entries as "msg key=value ..." into a Buffer.
type bufferCore struct {
	zapcore.LevelEnabler
	buf    *Buffer
	fields []zapcore.Field
}

// NewBufferCore returns a zap core that records entries at or above level in buf.
func NewBufferCore(buf *Buffer, level zapcore.LevelEnabler) zapcore.Core {
	return &bufferCore{LevelEnabler: level, buf: buf}
}

func (c *bufferCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return &clone
}

func (c *bufferCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bufferCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(ent.Message)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, enc.Fields[k])
	}
	c.buf.Log(levelName(ent.Level), sb.String())
	return nil
}

func (c *bufferCore) Sync() error { return nil }

func levelName(l zapcore.Level) string {
	switch {
	case l >= zapcore.ErrorLevel:
		return "error"
	case l == zapcore.WarnLevel:
		return "warning"
	default:
		return "info"
	}
}
