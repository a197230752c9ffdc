// Package logging sets up the structured logger shared by the pipeline
// nodes and the CLI.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a console logger writing to w. Verbose enables debug-level
// events.
func New(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

// NewConsole returns a stderr console logger.
func NewConsole(verbose bool) zerolog.Logger {
	return New(os.Stderr, verbose)
}

// Nop returns a disabled logger, for tests and library callers that do not
// want output.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
