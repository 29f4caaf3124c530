package moxvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var skipRegisterLogging = testing.Testing()

// RegisterLogger returns the logger for bstore.Options.RegisterLogger, which
// logs registration of types, including schema changes.
//
// Under test, nil is returned for databases that don't exist yet. Every test
// creates fresh databases, and logging their initial registration is noise.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !skipRegisterLogging {
		return log
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
