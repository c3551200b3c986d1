package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/stronnag/mspflight/pkg/fclog"
	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/mspclient"
	"github.com/stronnag/mspflight/pkg/options"
)

var GitCommit = "local"
var GitTag = "0.0.0"

func getVersion() string {
	return fmt.Sprintf("%s %s, commit: %s", filepath.Base(os.Args[0]), GitTag, GitCommit)
}

func cell_health(v float64) string {
	switch {
	case v > 4.1:
		return "FULL"
	case v > 3.7:
		return "GOOD"
	case v > 3.5:
		return "LOW"
	}
	return "CRITICAL"
}

func rssi_health(pct int) string {
	switch {
	case pct < 30:
		return "POOR"
	case pct < 50:
		return "WEAK"
	}
	return "OK"
}

func report_battery(bs msp.BatteryStatus) {
	fmt.Printf("Voltage   : %.2fV\n", bs.Voltage)
	if acv, ok := bs.CellVoltage(); ok {
		fmt.Printf("Cells     : %d, %.2fV/cell (%s)\n", bs.CellCount, acv, cell_health(acv))
	} else {
		fmt.Println("Cells     : unknown")
	}
	fmt.Printf("Current   : %.2fA\n", bs.Current)
	fmt.Printf("Drawn     : %s mAh", humanize.Comma(int64(bs.MahDrawn)))
	if bs.CapacityMah > 0 {
		fmt.Printf(" of %s mAh", humanize.Comma(int64(bs.CapacityMah)))
	}
	fmt.Println()
	if bs.RemainingKnown {
		fmt.Printf("Remaining : %.0f%%\n", bs.Remaining)
	} else {
		fmt.Println("Remaining : unknown")
	}
}

func main() {
	options.ParseCLI(getVersion)
	fclog.Setup("fcbattery")
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

	bs, err := cli.Battery(ctx)
	if err != nil {
		log.Printf("battery: %v", err)
		return 1
	}
	report_battery(bs)

	if a, err := cli.Analog(ctx); err == nil {
		pct := a.RssiPercent()
		fmt.Printf("RSSI      : %d%% (%s)\n", pct, rssi_health(pct))
	} else {
		fclog.Logf(0, "analog: %v\n", err)
	}
	return 0
}
