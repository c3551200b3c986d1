package fclog

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"
)

func TestLogfVerbosity(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	defer SetVerbose(0)

	SetVerbose(1)
	Logf(0, "shown %d", 1)
	Logf(1, "hidden %d", 2)
	out := buf.String()
	if !strings.Contains(out, "shown 1") || strings.Contains(out, "hidden") {
		t.Fatalf("unexpected log %q", out)
	}
}
