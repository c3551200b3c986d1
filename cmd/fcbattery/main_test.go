package main

import (
	"net"
	"testing"

	"github.com/stronnag/mspflight/pkg/options"
)

func TestHealthBands(t *testing.T) {
	cells := map[float64]string{4.2: "FULL", 4.1: "GOOD", 3.8: "GOOD", 3.6: "LOW", 3.5: "CRITICAL", 3.0: "CRITICAL"}
	for v, want := range cells {
		if got := cell_health(v); got != want {
			t.Errorf("cell %.2f: got %s, want %s", v, got, want)
		}
	}
	rssi := map[int]string{0: "POOR", 29: "POOR", 30: "WEAK", 49: "WEAK", 50: "OK", 100: "OK"}
	for v, want := range rssi {
		if got := rssi_health(v); got != want {
			t.Errorf("rssi %d: got %s, want %s", v, got, want)
		}
	}
}

func TestRunReportsOpenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skip(err)
	}
	addr := l.Addr().String()
	l.Close()

	saved := options.Config
	t.Cleanup(func() { options.Config = saved })
	options.Config.Device = "tcp://" + addr
	if code := run(); code != 2 {
		t.Fatalf("exit status %d", code)
	}
}
