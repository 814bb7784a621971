package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New creates application logger writing to out. Format `auto` uses human readable console output when out is
// a terminal and JSON lines otherwise.
func New(out io.Writer, level string, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to parse log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch format {
	case "console":
		out = consoleWriter(out)
	case "json":
	case "auto", "":
		if IsTerminal(out) {
			out = consoleWriter(out)
		}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format: %v", format)
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    !IsTerminal(out),
	}
}

// IsTerminal checks if writer is an interactive terminal. When running as a service output is not a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
