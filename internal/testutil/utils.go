package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(os.Stdout).With().Timestamp().Str("test", t.Name()).Logger()
}
