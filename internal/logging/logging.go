package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the kernel logger writing JSON lines to stdout.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// ForModule returns a child logger tagged with the addon module name.
func ForModule(log zerolog.Logger, module string) zerolog.Logger {
	return log.With().Str("module", module).Logger()
}
