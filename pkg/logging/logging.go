package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Level string `mapstructure:"log-level"`
	// Format is "console", "json" or "auto". auto picks console on a terminal.
	Format string `mapstructure:"log-format"`
}

// Init configures the global zerolog logger from s, writing to stderr.
func Init(s Settings) error {
	return InitTo(os.Stderr, s)
}

func InitTo(w io.Writer, s Settings) error {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	out := w
	switch strings.ToLower(s.Format) {
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case "json":
	case "", "auto":
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
		}
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}
