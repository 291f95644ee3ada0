/*
The logger package wraps zerolog so that every component of the client can log
through the same structured pipeline. Components are expected to derive their
own logger via GetComponentLogger so that each line is tagged with the
component that produced it.
*/
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel string

const (
	Debug LogLevel = "debug"
	Info  LogLevel = "info"
	Error LogLevel = "error"
	Trace LogLevel = "trace"
)

type Config struct {
	// Minimum level that will be written, defaults to debug
	LogLevel LogLevel

	// Optional file to write rotated logs to
	FilePath string

	// Additional writers, e.g. stdout or a test buffer
	ConsoleWriters []io.Writer
}

type Logger struct {
	logger zerolog.Logger
}

func New(config *Config) (*Logger, error) {
	// Let's us display stack info on errors
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		return fmt.Sprintf("%+v", err)
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(string(defaultLevel(config.LogLevel)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	writers := []io.Writer{}
	if config.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	writers = append(writers, config.ConsoleWriters...)

	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{logger: logger}, nil
}

func defaultLevel(level LogLevel) LogLevel {
	if level == "" {
		return Debug
	}
	return level
}

func (l *Logger) GetComponentLogger(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", component).Logger(),
	}
}

func (l *Logger) AddField(key string, value string) {
	l.logger = l.logger.With().Str(key, value).Logger()
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.logger.Warn().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Stack().Err(err).Send()
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Stack().Err(fmt.Errorf(format, a...)).Send()
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}
