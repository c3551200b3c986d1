package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/stronnag/mspflight/pkg/fclog"
	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/mspclient"
	"github.com/stronnag/mspflight/pkg/options"
)

var GitCommit = "local"
var GitTag = "0.0.0"

const (
	RC_SANE_MIN = 900
	RC_SANE_MAX = 2100
)

var chnames = []string{"Roll", "Pitch", "Throttle", "Yaw", "AUX1", "AUX2", "AUX3", "AUX4"}

func getVersion() string {
	return fmt.Sprintf("%s %s, commit: %s", filepath.Base(os.Args[0]), GitTag, GitCommit)
}

func switch_pos(v uint16) string {
	switch {
	case v < 1300:
		return "LOW"
	case v > 1700:
		return "HIGH"
	}
	return "MIDDLE"
}

// format_rc renders one readout and any out of range sticks.
func format_rc(chans []uint16) (string, []string) {
	var sb strings.Builder
	var warn []string
	for i, v := range chans {
		if i >= len(chnames) {
			break
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s:%d", chnames[i], v)
		if i == msp.CH_AUX1 {
			fmt.Fprintf(&sb, "(%s)", switch_pos(v))
		}
		if i <= msp.CH_YAW && (v < RC_SANE_MIN || v > RC_SANE_MAX) {
			warn = append(warn, fmt.Sprintf("%s out of range (%d)", chnames[i], v))
		}
	}
	return sb.String(), warn
}

func status_warnings(flags uint32) []string {
	var warn []string
	if flags&msp.ARMING_DISABLED_RXLOSS != 0 {
		warn = append(warn, "RX loss: no receiver signal")
	}
	if flags&msp.ARMING_DISABLED_MSP != 0 {
		warn = append(warn, "MSP arming is disabled")
	}
	return warn
}

func main() {
	options.ParseCLI(getVersion)
	fclog.Setup("fcrx")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli, err := mspclient.Open(options.Config.Device, options.Config.Baud, options.Config.Timeout)
	if err != nil {
		log.Fatal(err)
	}
	defer cli.Close()
	go cli.Run(ctx)

	if st, err := cli.Status(ctx); err == nil {
		fmt.Printf("Arming status: %s\n", msp.ArmStatus(st.ArmingDisableFlags))
		for _, w := range status_warnings(st.ArmingDisableFlags) {
			fmt.Printf("Warning: %s\n", w)
		}
	} else {
		fclog.Logf(0, "status: %v\n", err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; i < options.Config.Rounds; i++ {
		chans, err := cli.RC(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "fcrx: %v\n", err)
		} else {
			line, warn := format_rc(chans)
			fmt.Printf("%2d: %s\n", i+1, line)
			for _, w := range warn {
				fmt.Printf("    Warning: %s\n", w)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
