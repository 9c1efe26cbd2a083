package application

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes the structured log of a directory server. Components
// log through sub-loggers: Named("pki") for the directory, With("domain",
// d) to tag every entry with the domain it concerns.
type Logger struct {
	z *zap.SugaredLogger
}

// A LoggerConfig selects the environment ("development" logs debug
// entries, "production" starts at info), an optional file written in
// addition to stderr, the output format and stacktraces on errors.
type LoggerConfig struct {
	EnableStacktrace bool   `toml:"enable_stacktrace,omitempty" yaml:"enable_stacktrace,omitempty"`
	Environment      string `toml:"env" yaml:"env"`
	Path             string `toml:"path,omitempty" yaml:"path,omitempty"`
	// Format is "console" (the default) or "json".
	Format string `toml:"format,omitempty" yaml:"format,omitempty"`
}

// Validate reports an unknown environment or format.
func (conf *LoggerConfig) Validate() error {
	if _, err := conf.level(); err != nil {
		return err
	}
	switch conf.Format {
	case "", "console", "json":
		return nil
	}
	return errors.Errorf("unknown log format %q", conf.Format)
}

func (conf *LoggerConfig) level() (zapcore.Level, error) {
	switch strings.ToLower(conf.Environment) {
	case "development":
		return zap.DebugLevel, nil
	case "", "production":
		return zap.InfoLevel, nil
	}
	return 0, errors.Errorf("unknown logger environment %q", conf.Environment)
}

// NewLogger builds the Logger described by conf. A nil conf logs info
// and above to stderr. NewLogger panics on a configuration that fails
// Validate.
func NewLogger(conf *LoggerConfig) *Logger {
	if conf == nil {
		conf = new(LoggerConfig)
	}
	level, err := conf.level()
	if err != nil {
		panic(err)
	}
	encoding := conf.Format
	if encoding == "" {
		encoding = "console"
	}
	paths := []string{"stderr"}
	if conf.Path != "" {
		paths = append(paths, conf.Path)
	}

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Encoding:          encoding,
		DisableStacktrace: !conf.EnableStacktrace,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "component",
			MessageKey:     "msg",
			StacktraceKey:  "stack",
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeName:     zapcore.FullNameEncoder,
		},
		OutputPaths:      paths,
		ErrorOutputPaths: []string{"stderr"},
	}
	z, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return &Logger{z.Sugar()}
}

// Named returns a sub-logger for a component. Names nest with dots.
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.z.Named(name)}
}

// With returns a sub-logger adding keysAndValues to every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{l.z.With(keysAndValues...)}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.z.Logw(zap.DebugLevel, msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.z.Logw(zap.InfoLevel, msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.z.Logw(zap.WarnLevel, msg, keysAndValues...)
}

// Error logs a failure that needs an operator's attention but does not
// stop the server.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.z.Logw(zap.ErrorLevel, msg, keysAndValues...)
}
