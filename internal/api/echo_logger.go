package api

import (
	"fmt"
	"io"

	echolog "github.com/labstack/gommon/log"

	"github.com/platelab/platevision/internal/logger"
)

// echoLogger routes echo's internal logging into the application logger.
// Levels below the configured one are dropped here; output and format are
// owned by the application logger.
type echoLogger struct {
	log   logger.Logger
	level echolog.Lvl
}

func newEchoLogger(log logger.Logger) *echoLogger {
	return &echoLogger{log: log, level: echolog.INFO}
}

func (l *echoLogger) Output() io.Writer          { return io.Discard }
func (l *echoLogger) SetOutput(io.Writer)        {}
func (l *echoLogger) Prefix() string             { return "" }
func (l *echoLogger) SetPrefix(string)           {}
func (l *echoLogger) Level() echolog.Lvl         { return l.level }
func (l *echoLogger) SetLevel(level echolog.Lvl) { l.level = level }
func (l *echoLogger) SetHeader(string)           {}

func (l *echoLogger) emit(level echolog.Lvl, msg string) {
	if level < l.level {
		return
	}
	switch level {
	case echolog.DEBUG:
		l.log.Debug(msg)
	case echolog.WARN:
		l.log.Warn(msg)
	case echolog.ERROR:
		l.log.Error(msg)
	default:
		l.log.Info(msg)
	}
}

func (l *echoLogger) emitJSON(level echolog.Lvl, j echolog.JSON) {
	if level < l.level {
		return
	}
	l.log.Info("echo", logger.Any("data", j))
}

func (l *echoLogger) Print(i ...any)                 { l.emit(echolog.INFO, fmt.Sprint(i...)) }
func (l *echoLogger) Printf(format string, a ...any) { l.emit(echolog.INFO, fmt.Sprintf(format, a...)) }
func (l *echoLogger) Printj(j echolog.JSON)          { l.emitJSON(echolog.INFO, j) }
func (l *echoLogger) Debug(i ...any)                 { l.emit(echolog.DEBUG, fmt.Sprint(i...)) }
func (l *echoLogger) Debugf(format string, a ...any) { l.emit(echolog.DEBUG, fmt.Sprintf(format, a...)) }
func (l *echoLogger) Debugj(j echolog.JSON)          { l.emitJSON(echolog.DEBUG, j) }
func (l *echoLogger) Info(i ...any)                  { l.emit(echolog.INFO, fmt.Sprint(i...)) }
func (l *echoLogger) Infof(format string, a ...any)  { l.emit(echolog.INFO, fmt.Sprintf(format, a...)) }
func (l *echoLogger) Infoj(j echolog.JSON)           { l.emitJSON(echolog.INFO, j) }
func (l *echoLogger) Warn(i ...any)                  { l.emit(echolog.WARN, fmt.Sprint(i...)) }
func (l *echoLogger) Warnf(format string, a ...any)  { l.emit(echolog.WARN, fmt.Sprintf(format, a...)) }
func (l *echoLogger) Warnj(j echolog.JSON)           { l.emitJSON(echolog.WARN, j) }
func (l *echoLogger) Error(i ...any)                 { l.emit(echolog.ERROR, fmt.Sprint(i...)) }
func (l *echoLogger) Errorf(format string, a ...any) { l.emit(echolog.ERROR, fmt.Sprintf(format, a...)) }
func (l *echoLogger) Errorj(j echolog.JSON)          { l.emitJSON(echolog.ERROR, j) }

// Fatal and Panic never exit the process; the Recover middleware turns the
// panic into a 500 response.
func (l *echoLogger) Fatal(i ...any)                 { l.panic(fmt.Sprint(i...)) }
func (l *echoLogger) Fatalf(format string, a ...any) { l.panic(fmt.Sprintf(format, a...)) }
func (l *echoLogger) Fatalj(j echolog.JSON)          { l.panic(fmt.Sprint(j)) }
func (l *echoLogger) Panic(i ...any)                 { l.panic(fmt.Sprint(i...)) }
func (l *echoLogger) Panicf(format string, a ...any) { l.panic(fmt.Sprintf(format, a...)) }
func (l *echoLogger) Panicj(j echolog.JSON)          { l.panic(fmt.Sprint(j)) }

func (l *echoLogger) panic(msg string) {
	l.log.Error(msg)
	panic("echo: " + msg)
}
