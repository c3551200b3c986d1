// Package fclog is verbosity gated logging shared by the mspflight tools.
package fclog

import (
	"log"

	"github.com/stronnag/mspflight/pkg/options"
)

// Setup prefixes log output with the tool name and microsecond timestamps.
func Setup(app string) {
	log.SetPrefix("[" + app + "] ")
	log.SetFlags(log.Ltime | log.Lmicroseconds)
}

// Logf logs when the configured verbosity exceeds val.
func Logf(val int, ofmt string, params ...interface{}) {
	if options.Config.Verbose > val {
		log.Printf(ofmt, params...)
	}
}

func SetVerbose(val int) {
	options.Config.Verbose = val
}
