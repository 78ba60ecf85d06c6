package util

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var globalLog zerolog.Logger

func InitLog(level string, dev bool) {
	var out io.Writer = os.Stdout
	if dev {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	SetLogOutput(out, level)
}

// SetLogOutput is InitLog with an explicit writer; tests point it at a buffer.
func SetLogOutput(out io.Writer, level string) {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(lvl)
	globalLog = zerolog.New(out).
		With().
		Timestamp().
		Str("service", "drawchain").
		Logger().
		Hook(redactHook{})
	log.Logger = globalLog
}
func Debug() *zerolog.Event { return globalLog.Debug() }
func Info() *zerolog.Event  { return globalLog.Info() }
func Warn() *zerolog.Event  { return globalLog.Warn() }
func Error() *zerolog.Event { return globalLog.Error() }
func GetLogger() zerolog.Logger {
	return globalLog
}
func Component(name string) zerolog.Logger {
	return globalLog.With().Str("component", name).Logger()
}

// redactHook scrubs token-shaped strings out of messages.
type redactHook struct{}

func (h redactHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if msg != "" && tokenPattern.MatchString(msg) {
		e.Bool("msg_redacted", true)
	}
}
