package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/stronnag/mspflight/pkg/fclog"
	"github.com/stronnag/mspflight/pkg/flight"
	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/mspclient"
	"github.com/stronnag/mspflight/pkg/options"
	"github.com/stronnag/mspflight/pkg/safety"
	"github.com/stronnag/mspflight/pkg/sensor"
)

var GitCommit = "local"
var GitTag = "0.0.0"

func getVersion() string {
	return fmt.Sprintf("%s %s, commit: %s", filepath.Base(os.Args[0]), GitTag, GitCommit)
}

// fcdisarm is not interruptible; the disarm sequence is bounded.
func main() {
	options.ParseCLI(getVersion)
	fclog.Setup("fcdisarm")
	os.Exit(run())
}

func run() int {
	cli, err := mspclient.Open(options.Config.Device, options.Config.Baud, options.Config.Timeout)
	if err != nil {
		log.Print(err)
		return 2
	}
	defer cli.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Run(ctx)

	fc := flight.New(cli, &sensor.Latest{}, safety.NewEmergency(), flight.DefaultConfig())
	if err := fc.Disarm(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fcdisarm: %v\n", err)
		return 2
	}
	if st, err := cli.Status(ctx); err == nil {
		fmt.Printf("Disarmed: %s\n", msp.ArmStatus(st.ArmingDisableFlags))
	} else {
		fmt.Println("Disarmed")
	}
	return 0
}
