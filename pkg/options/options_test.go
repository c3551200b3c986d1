package options

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func reset(t *testing.T) {
	saved := Config
	t.Cleanup(func() { Config = saved })
}

func TestConfigFileEnvAndFlags(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	fn := filepath.Join(dir, CONFIG_FILE)
	conf := `# shared by all tools
device = tcp://localhost:5761
baud=57600
; unknown keys are skipped
colour = red
hover-alt = 2.5
`
	if err := os.WriteFile(fn, []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}
	defs := read_cfg(fn)
	defs = append(defs, env_args("  -timeout=250ms   -verbose=2 ")...)

	fs := flag.NewFlagSet("fcfly", flag.ContinueOnError)
	rest, err := parse(fs, "fcfly", defs, []string{"-baud", "230400", "extra"})
	if err != nil {
		t.Fatal(err)
	}
	if Config.Device != "tcp://localhost:5761" {
		t.Errorf("device %q", Config.Device)
	}
	if Config.Baud != 230400 {
		t.Errorf("baud %d", Config.Baud)
	}
	if Config.HoverAlt != 2.5 {
		t.Errorf("hover %v", Config.HoverAlt)
	}
	if Config.Timeout != 250*time.Millisecond || Config.Verbose != 2 {
		t.Errorf("env defaults not applied: %v %d", Config.Timeout, Config.Verbose)
	}
	if len(rest) != 1 || rest[0] != "extra" {
		t.Errorf("args %v", rest)
	}
}

func TestAppSpecificFlags(t *testing.T) {
	reset(t)
	fs := flag.NewFlagSet("fcrx", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if _, err := parse(fs, "fcrx", nil, []string{"-rounds", "3"}); err != nil {
		t.Fatal(err)
	}
	if Config.Rounds != 3 {
		t.Errorf("rounds %d", Config.Rounds)
	}

	fs = flag.NewFlagSet("fcbattery", flag.ContinueOnError)
	fs.SetOutput(new(nopWriter))
	if _, err := parse(fs, "fcbattery", nil, []string{"-rounds", "3"}); err == nil {
		t.Error("fcbattery accepted -rounds")
	}
}

func TestInvalidAltitudes(t *testing.T) {
	reset(t)
	fs := flag.NewFlagSet("fcfly", flag.ContinueOnError)
	if _, err := parse(fs, "fcfly", nil, []string{"-hover-alt", "0.1"}); err == nil {
		t.Error("hover below landing altitude accepted")
	}
}

func TestMissingConfigFile(t *testing.T) {
	if args := read_cfg(filepath.Join(t.TempDir(), "none.conf")); args != nil {
		t.Errorf("got %v", args)
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
