package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options selects level and output format.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	App    string
}

// New builds a logger writing to w. Console format is for interactive use;
// json is the daemon default.
func New(w io.Writer, opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging: invalid level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	out := w
	switch strings.ToLower(opts.Format) {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("logging: invalid format %q (want json or console)", opts.Format)
	}

	app := opts.App
	if app == "" {
		app = "govgate"
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger(), nil
}

// Init builds a stderr logger and installs it as the global logger.
func Init(opts Options) (zerolog.Logger, error) {
	logger, err := New(os.Stderr, opts)
	if err != nil {
		return logger, err
	}
	log.Logger = logger
	return logger, nil
}
