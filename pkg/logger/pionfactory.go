package logger

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap/zapcore"
)

var pionLevel = zapcore.ErrorLevel

func setPionLevel(level string) {
	lvl := zapcore.Level(0)
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		pionLevel = lvl
	}
}

// LoggerFactory returns a factory for pion's internal loggers, routed
// through the module logger.
func LoggerFactory() logging.LoggerFactory {
	return &loggerFactory{level: pionLevel}
}

type loggerFactory struct {
	level zapcore.Level
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &logAdapter{
		logger: GetLogger().WithName(scope),
		level:  f.level,
	}
}

// implements logging.LeveledLogger
type logAdapter struct {
	logger Logger
	level  zapcore.Level
}

func (l *logAdapter) Trace(msg string) {
	// ignore trace
}

func (l *logAdapter) Tracef(format string, args ...interface{}) {
	// ignore trace
}

func (l *logAdapter) Debug(msg string) {
	if l.level > zapcore.DebugLevel {
		return
	}
	l.logger.Debugw(msg)
}

func (l *logAdapter) Debugf(format string, args ...interface{}) {
	if l.level > zapcore.DebugLevel {
		return
	}
	l.logger.Debugw(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Info(msg string) {
	if l.level > zapcore.InfoLevel {
		return
	}
	l.logger.Infow(msg)
}

func (l *logAdapter) Infof(format string, args ...interface{}) {
	if l.level > zapcore.InfoLevel {
		return
	}
	l.logger.Infow(fmt.Sprintf(format, args...))
}

func (l *logAdapter) Warn(msg string) {
	if l.level > zapcore.WarnLevel {
		return
	}
	l.logger.Warnw(msg, nil)
}

func (l *logAdapter) Warnf(format string, args ...interface{}) {
	if l.level > zapcore.WarnLevel {
		return
	}
	l.logger.Warnw(fmt.Sprintf(format, args...), nil)
}

func (l *logAdapter) Error(msg string) {
	if l.level > zapcore.ErrorLevel {
		return
	}
	l.logger.Errorw(msg, nil)
}

func (l *logAdapter) Errorf(format string, args ...interface{}) {
	if l.level > zapcore.ErrorLevel {
		return
	}
	l.logger.Errorw(fmt.Sprintf(format, args...), nil)
}
