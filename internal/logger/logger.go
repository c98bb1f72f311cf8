package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init configures the process logger from LOG_LEVEL and LOG_FORMAT.
func Init() {
	InitWith(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// InitWith configures the process logger. format is "json" (default) or "console".
func InitWith(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339

	var w io.Writer = os.Stdout
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	log = New(w).Level(lvl)
}

// New builds a logger writing JSON lines to w.
func New(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Str("service", "inkwell").Logger()
}

// SetOutput swaps the destination, used by tests to capture output.
func SetOutput(w io.Writer) {
	log = New(w).Level(zerolog.DebugLevel)
}

// L exposes the underlying logger for call sites that build richer events.
func L() *zerolog.Logger {
	return &log
}

// Info logs msg with optional key/value pairs.
func Info(msg string, kv ...interface{}) {
	withFields(log.Info(), kv).Msg(msg)
}

func Infof(format string, v ...interface{}) {
	log.Info().Msg(fmt.Sprintf(format, v...))
}

func Warn(msg string, kv ...interface{}) {
	withFields(log.Warn(), kv).Msg(msg)
}

func Warnf(format string, v ...interface{}) {
	log.Warn().Msg(fmt.Sprintf(format, v...))
}

func Error(msg string, kv ...interface{}) {
	withFields(log.Error(), kv).Msg(msg)
}

func Errorf(format string, v ...interface{}) {
	log.Error().Msg(fmt.Sprintf(format, v...))
}

func Debug(msg string, kv ...interface{}) {
	withFields(log.Debug(), kv).Msg(msg)
}

func Debugf(format string, v ...interface{}) {
	log.Debug().Msg(fmt.Sprintf(format, v...))
}

func Fatalf(format string, v ...interface{}) {
	log.Fatal().Msg(fmt.Sprintf(format, v...))
}

// withFields attaches key/value pairs. A trailing key without a value is
// recorded under "extra" so a miscounted call never drops data.
func withFields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	if len(kv) == 0 {
		return e
	}
	if len(kv)%2 != 0 {
		e = e.Interface("extra", kv[len(kv)-1])
		kv = kv[:len(kv)-1]
	}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if err, isErr := kv[i+1].(error); isErr {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}
