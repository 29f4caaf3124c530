package mox

import (
	"path/filepath"
)

// DataDirPath returns the path to "f". Either f itself when absolute, or
// interpreted relative to the data directory, which itself is relative to the
// directory of the config file.
func DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(configDirPath(ConfigStaticPath, Conf.Static.DataDir), f)
}

func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}
