package resolver

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger returns a zerolog.Logger in the teacher's style: console-writer
// output when w is nil (typically a terminal during development), structured
// JSON otherwise. Component code pulls a sub-logger via log.With().Str(...)
// rather than passing component names through call signatures.
func NewLogger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
