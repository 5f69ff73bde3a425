package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger returns a debug-level logger that writes through t.Log.
func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()
}
