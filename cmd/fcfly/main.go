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
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/stronnag/mspflight/pkg/console"
	"github.com/stronnag/mspflight/pkg/fclog"
	"github.com/stronnag/mspflight/pkg/flight"
	"github.com/stronnag/mspflight/pkg/flightlog"
	"github.com/stronnag/mspflight/pkg/mspclient"
	"github.com/stronnag/mspflight/pkg/options"
	"github.com/stronnag/mspflight/pkg/safety"
	"github.com/stronnag/mspflight/pkg/sensor"
	"github.com/stronnag/mspflight/pkg/telemqtt"
)

var GitCommit = "local"
var GitTag = "0.0.0"

var errOperator = errors.New("operator emergency")

func getVersion() string {
	return fmt.Sprintf("%s %s, commit: %s", filepath.Base(os.Args[0]), GitTag, GitCommit)
}

func flight_config() flight.Config {
	cfg := flight.DefaultConfig()
	cfg.HoverAltitude = options.Config.HoverAlt
	cfg.LandingAltitude = options.Config.LandAlt
	cfg.Tolerance = options.Config.Tolerance
	cfg.Period = options.Config.Period
	cfg.Staleness = options.Config.Staleness
	cfg.HoverTime = options.Config.HoverTime
	return cfg
}

func main() {
	options.ParseCLI(getVersion)
	fclog.Setup("fcfly")
	os.Exit(run())
}

// run returns the exit status: 0 landed, 1 flight error, 2 Fault or setup
// failure.
func run() int {
	interactive := console.Interactive()
	if !options.Config.Force {
		if !interactive {
			log.Print("not a terminal, use -force to fly without confirmation")
			return 2
		}
		fmt.Printf("About to arm and fly to %.2fm on %s\n", options.Config.HoverAlt, options.Config.Device)
		if ok, err := console.Confirm("ARM"); err != nil || !ok {
			log.Print("not confirmed")
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli, err := mspclient.Open(options.Config.Device, options.Config.Baud, options.Config.Timeout)
	if err != nil {
		log.Print(err)
		return 2
	}
	defer cli.Close()

	// services outlive the flight context so a cancelled flight can still disarm
	sctx, scancel := context.WithCancel(context.Background())
	defer scancel()
	g, gctx := errgroup.WithContext(sctx)
	em := safety.NewEmergency()
	alt := &sensor.Latest{}

	g.Go(func() error { return cli.Run(gctx) })
	g.Go(func() error { return sensor.ListenUDP(gctx, options.Config.AltFeed, alt) })

	fc := flight.New(cli, alt, em, flight_config())
	fc.OnTransition(func(tr flight.Transition) {
		if tr.Reason != nil {
			fclog.Logf(-1, "%s -> %s: %v\n", tr.From, tr.To, tr.Reason)
		} else {
			fclog.Logf(-1, "%s -> %s\n", tr.From, tr.To)
		}
	})

	mon := safety.NewMonitor(cli, em)
	mon.Altitude = alt
	mon.LastFrame = cli.Listener.LastFrame
	mon.Airborne = fc.Airborne
	mon.Watchdog = options.Config.Watchdog
	mon.Staleness = options.Config.Staleness
	mon.MinBattery = options.Config.MinBattery
	msub := cli.Listener.Subscribe(mspclient.DEFAULT_QUEUE_DEPTH)
	mon.Telemetry = msub.C
	g.Go(func() error { return mon.Run(gctx) })

	var rec *flightlog.Recorder
	if options.Config.Dbfile != "" {
		rec, err = flightlog.Open(options.Config.Dbfile)
		if err != nil {
			log.Print(err)
			return 2
		}
		defer rec.Close()
		id, err := rec.Begin(options.Config.Device)
		if err != nil {
			log.Print(err)
			return 2
		}
		fclog.Logf(0, "recording session %s to %s\n", id, options.Config.Dbfile)
		fc.OnTransition(func(tr flight.Transition) {
			if err := rec.Transition(tr); err != nil {
				fclog.Logf(0, "%v\n", err)
			}
		})
		rsub := cli.Listener.SubscribeAll(mspclient.DEFAULT_QUEUE_DEPTH)
		g.Go(func() error { return rec.Consume(gctx, rsub.C) })
	}

	if options.Config.Mqttopts != "" {
		mc, err := telemqtt.NewClient(options.Config.Mqttopts)
		if err != nil {
			log.Printf("mqtt: %v", err)
			return 2
		}
		defer mc.Close()
		fclog.Logf(-1, "publishing to topic %s\n", mc.Topic())
		trs := make(chan flight.Transition, 16)
		fc.OnTransition(func(tr flight.Transition) {
			select {
			case trs <- tr:
			default:
			}
		})
		psub := cli.Listener.SubscribeAll(mspclient.DEFAULT_QUEUE_DEPTH)
		g.Go(func() error { return telemqtt.Run(gctx, mc, psub.C, trs) })
	}

	if interactive {
		ac, err := console.Keys(gctx)
		if err != nil {
			fclog.Logf(0, "no keyboard control: %v\n", err)
		} else {
			fmt.Println(console.KEY_HELP)
			g.Go(func() error {
				for a := range ac {
					fclog.Logf(-1, "operator: %s\n", a)
					switch a {
					case console.Land:
						fc.Land()
					case console.Emergency:
						em.Raise(errOperator)
					case console.Abort:
						stop()
					}
				}
				return nil
			})
		}
	}

	// a failed service is an emergency
	go func() {
		<-gctx.Done()
		if sctx.Err() == nil {
			em.Raise(fmt.Errorf("service stopped: %w", context.Cause(gctx)))
		}
	}()

	start := time.Now()
	res, ferr := fc.Run(ctx)
	end := time.Now()

	if rec != nil {
		if err := rec.End(res.Final, res.Reason); err != nil {
			fclog.Logf(0, "%v\n", err)
		}
	}
	scancel()
	g.Wait()

	report(cli, res, start, end)
	if ferr != nil {
		fmt.Fprintf(os.Stderr, "fcfly: %v\n", ferr)
		if res.Final == flight.Fault {
			return 2
		}
		return 1
	}
	return 0
}

func report(cli *mspclient.Client, res flight.Result, start, end time.Time) {
	fmt.Printf("Final phase : %s\n", res.Final)
	fmt.Printf("Duration    : %s\n", humanize.RelTime(start, end, "", ""))
	for _, tr := range res.Transitions {
		fmt.Printf("  %8.3fs %-16s -> %s\n", tr.At.Sub(start).Seconds(), tr.From, tr.To)
	}
	st := cli.Stats()
	req, rep, tmo, crc, resend := st.Snapshot()
	p50, p95 := st.Latency()
	fmt.Printf("MSP         : %s requests, %s replies, %d timeouts, %d checksum errors, %d resends\n",
		humanize.Comma(int64(req)), humanize.Comma(int64(rep)), tmo, crc, resend)
	fmt.Printf("Latency     : p50 %v, p95 %v\n", p50, p95)
}
