package moxio

import (
	"github.com/mjl-/moxreport/mlog"
)

// SyncDir is a no-op on Windows, directories cannot be opened for syncing.
func SyncDir(log mlog.Log, dir string) error {
	return nil
}
