package options

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const CONFIG_FILE = "mspflight.conf"

var Config = struct {
	Device     string
	Baud       int
	Verbose    int
	Timeout    time.Duration
	Period     time.Duration
	HoverAlt   float64
	LandAlt    float64
	Tolerance  float64
	HoverTime  time.Duration
	MinBattery float64
	Watchdog   time.Duration
	Staleness  time.Duration
	AltFeed    string
	Dbfile     string
	Mqttopts   string
	Hold       time.Duration
	Rounds     int
	Force      bool
}{
	Device:     "/dev/ttyACM0",
	Baud:       115200,
	Timeout:    500 * time.Millisecond,
	Period:     100 * time.Millisecond,
	HoverAlt:   3.75,
	LandAlt:    0.2,
	Tolerance:  0.1,
	HoverTime:  10 * time.Second,
	MinBattery: 25,
	Watchdog:   time.Second,
	Staleness:  500 * time.Millisecond,
	AltFeed:    ":30001",
	Hold:       10 * time.Second,
	Rounds:     10,
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func Usage() {
	flag.Usage()
}

func add_flags(fs *flag.FlagSet, app string) {
	fs.StringVar(&Config.Device, "device", Config.Device, "FC device (/dev/ttyACM0, COM5, USB product name, tcp://host:port, udp://host:port)")
	fs.IntVar(&Config.Baud, "baud", Config.Baud, "Serial baud rate")
	fs.IntVar(&Config.Verbose, "verbose", Config.Verbose, "Verbosity level")
	fs.DurationVar(&Config.Timeout, "timeout", Config.Timeout, "MSP request timeout")

	switch app {
	case "fcfly":
		fs.DurationVar(&Config.Period, "period", Config.Period, "Control loop period")
		fs.Float64Var(&Config.HoverAlt, "hover-alt", Config.HoverAlt, "Hover altitude (m)")
		fs.Float64Var(&Config.LandAlt, "land-alt", Config.LandAlt, "Landed threshold altitude (m)")
		fs.Float64Var(&Config.Tolerance, "tolerance", Config.Tolerance, "Hover altitude tolerance (m)")
		fs.DurationVar(&Config.HoverTime, "hover-time", Config.HoverTime, "Hover duration before landing, 0 waits for operator")
		fs.Float64Var(&Config.MinBattery, "min-battery", Config.MinBattery, "Emergency landing below this battery remaining (%)")
		fs.DurationVar(&Config.Watchdog, "watchdog", Config.Watchdog, "Emergency landing after this long without telemetry")
		fs.DurationVar(&Config.Staleness, "staleness", Config.Staleness, "Maximum age of an altitude reading")
		fs.StringVar(&Config.AltFeed, "alt-feed", Config.AltFeed, "UDP address for altitude readings")
		fs.StringVar(&Config.Dbfile, "db", Config.Dbfile, "sqlite flight log file")
		fs.StringVar(&Config.Mqttopts, "broker", Config.Mqttopts, "Mqtt URI (mqtt://[user[:pass]@]broker[:port]/topic[?cafile=file]")
		fs.BoolVar(&Config.Force, "force", Config.Force, "Skip the arming confirmation")
	case "fcarm":
		fs.DurationVar(&Config.Hold, "hold", Config.Hold, "Time to stay armed")
		fs.BoolVar(&Config.Force, "force", Config.Force, "Skip the arming confirmation")
	case "fcrx":
		fs.IntVar(&Config.Rounds, "rounds", Config.Rounds, "Number of channel readouts")
	}
}

// read_cfg turns "key = value" lines into "-key=value" arguments.
func read_cfg(fn string) []string {
	var args []string
	r, err := os.Open(fn)
	if err != nil {
		return nil
	}
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		l := strings.TrimSpace(scanner.Text())
		if len(l) == 0 || strings.HasPrefix(l, "#") || strings.HasPrefix(l, ";") {
			continue
		}
		parts := strings.SplitN(l, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			val := os.ExpandEnv(strings.TrimSpace(parts[1]))
			args = append(args, fmt.Sprintf("-%s=%s", key, val))
		}
	}
	return args
}

func env_args(defs string) []string {
	var parts []string
	for _, p := range strings.Split(defs, " ") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// parse applies defaults (config file, then environment) followed by the
// command line. Unknown keys in the defaults are reported, not fatal, as
// the config file is shared between tools.
func parse(fs *flag.FlagSet, app string, defs []string, args []string) ([]string, error) {
	envflags := flag.NewFlagSet("$MSPFLIGHT_OPTS", flag.ContinueOnError)
	envflags.SetOutput(new(strings.Builder))
	add_flags(envflags, app)
	for _, d := range defs {
		if err := envflags.Parse([]string{d}); err != nil {
			fmt.Fprintf(os.Stderr, "%s: ignoring default %s\n", app, d)
		}
	}

	add_flags(fs, app)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if Config.Baud <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", Config.Baud)
	}
	if isFlagSet(fs, "hover-alt") && Config.HoverAlt <= Config.LandAlt {
		return nil, fmt.Errorf("hover altitude %.2f must exceed landing altitude %.2f", Config.HoverAlt, Config.LandAlt)
	}
	return fs.Args(), nil
}

func ParseCLI(gv func() string) []string {
	app := strings.TrimSuffix(filepath.Base(os.Args[0]), ".exe")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s [options]\n", app)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintln(os.Stderr, gv())
	}

	defs := read_cfg(filepath.Join(GetConfigDir(), CONFIG_FILE))
	defs = append(defs, env_args(os.Getenv("MSPFLIGHT_OPTS"))...)

	files, err := parse(flag.CommandLine, app, defs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", app, err)
		os.Exit(2)
	}
	return files
}
