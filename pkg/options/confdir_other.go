//go:build !windows

package options

import (
	"os"
	"path/filepath"
)

func GetConfigDir() string {
	def := os.Getenv("HOME")
	if def != "" {
		def = filepath.Join(def, ".config")
	} else {
		def = "./"
	}
	return def
}
