package mspclient

import (
	"context"
	"time"

	"github.com/stronnag/mspflight/pkg/msp"
	"github.com/stronnag/mspflight/pkg/transport"
)

// POLL_INTERVAL bounds how long the listener blocks on an idle link before
// checking for cancellation.
const POLL_INTERVAL = 50 * time.Millisecond

// Client is the typed view of the FC used by the flight controller,
// safety monitor and tools.
type Client struct {
	*Dispatcher
	Listener *Listener
	t        *transport.Transport
}

func New(t *transport.Transport, timeout time.Duration) *Client {
	l := NewListener(t.ByteReader(POLL_INTERVAL))
	return &Client{Dispatcher: NewDispatcher(t, l, timeout), Listener: l, t: t}
}

// Open connects to device (see transport.ParseDevice).
func Open(device string, baud int, timeout time.Duration) (*Client, error) {
	t, err := transport.Open(device, baud)
	if err != nil {
		return nil, err
	}
	return New(t, timeout), nil
}

func (c *Client) Close() error {
	return c.t.Close()
}

// Run runs the listener; requests only complete while it runs.
func (c *Client) Run(ctx context.Context) error {
	return c.Listener.Run(ctx)
}

func (c *Client) Status(ctx context.Context) (msp.ArmingStatus, error) {
	b, err := c.Request(ctx, msp.MSP_STATUS_EX, nil)
	if err != nil {
		return msp.ArmingStatus{}, err
	}
	return msp.ParseStatus(b)
}

func (c *Client) Battery(ctx context.Context) (msp.BatteryStatus, error) {
	b, err := c.Request(ctx, msp.MSP_BATTERY_STATE, nil)
	if err != nil {
		return msp.BatteryStatus{}, err
	}
	return msp.ParseBattery(b)
}

func (c *Client) Analog(ctx context.Context) (msp.Analog, error) {
	b, err := c.Request(ctx, msp.MSP_ANALOG, nil)
	if err != nil {
		return msp.Analog{}, err
	}
	return msp.ParseAnalog(b)
}

func (c *Client) RC(ctx context.Context) ([]uint16, error) {
	b, err := c.Request(ctx, msp.MSP_RC, nil)
	if err != nil {
		return nil, err
	}
	return msp.ParseRC(b), nil
}

func (c *Client) SetRawRC(ctx context.Context, cs msp.ChannelSet) error {
	_, err := c.Request(ctx, msp.MSP_SET_RAW_RC, cs.Serialise())
	return err
}

func (c *Client) SetArmed(ctx context.Context, armed bool) error {
	var v byte
	if armed {
		v = 1
	}
	_, err := c.Request(ctx, msp.MSP_SET_ARMED, []byte{v})
	return err
}
