package main

import (
	"net"
	"testing"

	"github.com/stronnag/mspflight/pkg/options"
)

func refused(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skip(err)
	}
	addr := l.Addr().String()
	l.Close()
	return "tcp://" + addr
}

func TestRunReportsOpenFailure(t *testing.T) {
	saved := options.Config
	t.Cleanup(func() { options.Config = saved })
	options.Config.Force = true
	options.Config.Device = refused(t)
	if code := run(); code != 2 {
		t.Fatalf("exit status %d", code)
	}
}
