package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the root logger. Production gets JSON at info level;
// everything else gets a console writer at debug level.
func Setup(production bool) zerolog.Logger {
	level := zerolog.DebugLevel
	if production {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	if !production {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger
}
