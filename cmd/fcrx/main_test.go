package main

import (
	"strings"
	"testing"

	"github.com/stronnag/mspflight/pkg/msp"
)

func TestSwitchPos(t *testing.T) {
	tests := map[uint16]string{1000: "LOW", 1299: "LOW", 1300: "MIDDLE", 1500: "MIDDLE", 1700: "MIDDLE", 1701: "HIGH", 2000: "HIGH"}
	for v, want := range tests {
		if got := switch_pos(v); got != want {
			t.Errorf("%d: got %s, want %s", v, got, want)
		}
	}
}

func TestFormatRC(t *testing.T) {
	line, warn := format_rc([]uint16{1500, 1500, 850, 1500, 1800, 1000, 1000, 1000})
	if !strings.HasPrefix(line, "Roll:1500 Pitch:1500 Throttle:850") || !strings.Contains(line, "AUX1:1800(HIGH)") {
		t.Errorf("line %q", line)
	}
	if len(warn) != 1 || !strings.Contains(warn[0], "Throttle") {
		t.Errorf("warnings %v", warn)
	}
	// aux channels are not range checked
	if _, warn := format_rc([]uint16{1500, 1500, 1000, 1500, 3000}); len(warn) != 0 {
		t.Errorf("aux warning %v", warn)
	}
}

func TestStatusWarnings(t *testing.T) {
	if w := status_warnings(0); len(w) != 0 {
		t.Errorf("%v", w)
	}
	if w := status_warnings(msp.ARMING_DISABLED_RXLOSS | msp.ARMING_DISABLED_MSP); len(w) != 2 {
		t.Errorf("%v", w)
	}
}
