// Package logging builds the process logger and adapts it to clush.Logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Zereker/clush"
)

// New returns a zerolog logger writing to w at the named level. In
// development it writes human-readable console output, otherwise JSON.
func New(w io.Writer, level string, development bool) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if development {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Adapter exposes a zerolog.Logger through the clush.Logger interface.
// Arguments are alternating keys and values as with log/slog.
type Adapter struct {
	zl zerolog.Logger
}

var _ clush.Logger = Adapter{}

// Adapt wraps zl.
func Adapt(zl zerolog.Logger) Adapter {
	return Adapter{zl: zl}
}

func (a Adapter) Debug(msg string, args ...any) { a.log(a.zl.Debug(), msg, args) }
func (a Adapter) Info(msg string, args ...any)  { a.log(a.zl.Info(), msg, args) }
func (a Adapter) Warn(msg string, args ...any)  { a.log(a.zl.Warn(), msg, args) }
func (a Adapter) Error(msg string, args ...any) { a.log(a.zl.Error(), msg, args) }

func (a Adapter) log(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}

	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			e = e.Str("!BADKEY", key)
			break
		}

		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}

	e.Msg(msg)
}
