package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/stronnag/mspflight/pkg/console"
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

func main() {
	options.ParseCLI(getVersion)
	fclog.Setup("fcarm")

	if !options.Config.Force {
		fmt.Println("PROPELLERS OFF! The FC will be armed for", options.Config.Hold)
		if ok, err := console.Confirm("ARM"); err != nil || !ok {
			log.Fatal("not confirmed")
		}
	}
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli, err := mspclient.Open(options.Config.Device, options.Config.Baud, options.Config.Timeout)
	if err != nil {
		log.Print(err)
		return 2
	}
	defer cli.Close()
	lctx, lcancel := context.WithCancel(context.Background())
	defer lcancel()
	go cli.Run(lctx)

	st, err := cli.Status(ctx)
	if err != nil {
		log.Printf("status: %v", err)
		return 2
	}
	fmt.Printf("Arming status: %s\n", msp.ArmStatus(st.ArmingDisableFlags))

	cfg := flight.DefaultConfig()
	cfg.Period = options.Config.Period
	fc := flight.New(cli, &sensor.Latest{}, safety.NewEmergency(), cfg)
	fc.OnTransition(func(tr flight.Transition) {
		fclog.Logf(-1, "%s -> %s\n", tr.From, tr.To)
	})

	code := 0
	if err := fc.Arm(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fcarm: %v\n", err)
		code = 1
	} else {
		fmt.Printf("Armed, holding for %v\n", options.Config.Hold)
		if err := fc.Hold(ctx, options.Config.Hold); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "fcarm: hold: %v\n", err)
		}
	}

	// always leave the FC disarmed
	if err := fc.Disarm(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintf(os.Stderr, "fcarm: %v\n", err)
		code = 2
	} else {
		fmt.Println("Disarmed")
	}
	return code
}
