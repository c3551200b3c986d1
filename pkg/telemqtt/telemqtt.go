// Package telemqtt publishes flight telemetry as MQTT "key:value," messages.
package telemqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/stronnag/mspflight/pkg/fclog"
	"github.com/stronnag/mspflight/pkg/flight"
	"github.com/stronnag/mspflight/pkg/mspclient"
)

const (
	DEFAULT_BROKER = "broker.emqx.io"
	DEFAULT_PORT   = 1883
)

/* Test brokers
   test.mosquitto.org 1883, 8883 8080, 8081 (ws)
   broker.hivemq.com  1883, 8000 (ws)
   broker.emqx.io    1883, 8883, 8083, 8084 (ws)
*/

type Broker struct {
	Scheme   string
	Host     string
	Port     int
	Topic    string
	User     string
	Passwd   string
	Cafile   string
	Insecure bool
}

// ParseBroker decodes mqtt://[user[:pass]@]broker[:port]/topic[?cafile=file].
// ws, wss, mqtts and ssl schemes are also accepted.
func ParseBroker(uri string) (*Broker, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	b := &Broker{Host: u.Hostname()}
	b.Port, _ = strconv.Atoi(u.Port())
	if len(u.Path) > 0 {
		b.Topic = u.Path[1:]
	}
	if up := u.User; up != nil {
		b.User = up.Username()
		b.Passwd, _ = up.Password()
	}
	if ca := u.Query()["cafile"]; len(ca) > 0 {
		b.Cafile = ca[0]
	}
	if b.Host == "" {
		b.Host = DEFAULT_BROKER
	}
	if b.Port == 0 {
		b.Port = DEFAULT_PORT
	}
	if b.Topic == "" {
		b.Topic = fmt.Sprintf("org/mspflight/mqtt/_%x", rand.Int())
	}

	switch u.Scheme {
	case "ws", "wss":
		b.Scheme = u.Scheme
	case "mqtts", "ssl":
		b.Scheme = "ssl"
	default:
		b.Scheme = "tcp"
		if b.Cafile != "" {
			b.Scheme = "ssl"
		}
	}
	b.Insecure = len(os.Getenv("NOVERIFYSSL")) > 0
	return b, nil
}

func (b *Broker) URL() string {
	mpath := ""
	if b.Scheme == "ws" || b.Scheme == "wss" {
		mpath = "/mqtt"
	}
	return fmt.Sprintf("%s://%s:%d%s", b.Scheme, b.Host, b.Port, mpath)
}

func (b *Broker) TLSConfig() (*tls.Config, error) {
	if b.Scheme == "tcp" || b.Scheme == "ws" {
		return nil, nil
	}
	tc := &tls.Config{ClientAuth: tls.NoClientCert, InsecureSkipVerify: b.Insecure}
	if b.Cafile != "" {
		ca, err := os.ReadFile(b.Cafile)
		if err != nil {
			return nil, err
		}
		certpool := x509.NewCertPool()
		certpool.AppendCertsFromPEM(ca)
		tc.RootCAs = certpool
	}
	return tc, nil
}

type Client struct {
	client mqtt.Client
	topic  string
}

func NewClient(uri string) (*Client, error) {
	b, err := ParseBroker(uri)
	if err != nil {
		return nil, err
	}
	tlsconf, err := b.TLSConfig()
	if err != nil {
		return nil, err
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.URL())
	opts.SetTLSConfig(tlsconf)
	opts.SetClientID(uuid.NewString())
	opts.SetUsername(b.User)
	opts.SetPassword(b.Passwd)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		fclog.Logf(0, "mqtt: connected to %s, topic %s\n", b.URL(), b.Topic)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		fclog.Logf(-1, "mqtt: connection lost: %v\n", err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &Client{client: client, topic: b.Topic}, nil
}

func (c *Client) Topic() string {
	return c.topic
}

func (c *Client) Publish(msg string) error {
	token := c.client.Publish(c.topic, 0, false, msg)
	token.Wait()
	return token.Error()
}

func (c *Client) Close() {
	c.client.Disconnect(250)
}

// Publisher is satisfied by *Client.
type Publisher interface {
	Publish(string) error
}

// Run publishes every formattable frame from c and every phase change
// received on trs until ctx is done or c closes.
func Run(ctx context.Context, p Publisher, c <-chan mspclient.Telemetry, trs <-chan flight.Transition) error {
	for {
		var msg string
		select {
		case <-ctx.Done():
			return nil
		case tr := <-trs:
			msg = PhaseMessage(tr)
		case t, ok := <-c:
			if !ok {
				return nil
			}
			var known bool
			if msg, known = TelemetryMessage(t); !known {
				continue
			}
		}
		if err := p.Publish(msg); err != nil {
			fclog.Logf(0, "mqtt: publish: %v\n", err)
		}
	}
}
