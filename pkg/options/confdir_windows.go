//go:build windows

package options

import (
	"os"
)

func GetConfigDir() string {
	return os.Getenv("APPDATA")
}
