/*Package telemetry publishes the instrument's status events over MQTT so
log panels, dashboards, and lab telemetry can subscribe without touching
the control loop.

Topic layout:

	staib/channel/<NAME>   retained JSON {"voltage": v, "at": t} per write
	staib/event            JSON copy of every status event
*/
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mbe-lab/staibctl/ebeam"
)

// Config describes the broker connection.
type Config struct {
	// Broker is the broker URL, e.g. tcp://mqtt.lab:1883.  Empty disables
	// telemetry entirely.
	Broker string `yaml:"broker" koanf:"broker"`

	// ClientID defaults to "staibsrv".
	ClientID string `yaml:"clientID" koanf:"clientid"`

	// Username and Password come from the environment, not the config
	// file.
	Username string `yaml:"-" koanf:"-"`
	Password string `yaml:"-" koanf:"-"`

	// TopicRoot defaults to "staib".
	TopicRoot string `yaml:"topicRoot" koanf:"topicroot"`
}

// A Message is one outgoing MQTT publication.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// channelPayload is the wire shape of a per-channel publication.
type channelPayload struct {
	Voltage float64   `json:"voltage"`
	At      time.Time `json:"at"`
}

// Render maps a status event to its MQTT message.  Pure; separated from the
// publisher so it can be tested without a broker.
func Render(root string, ev ebeam.Event) Message {
	if root == "" {
		root = "staib"
	}
	if ev.Kind == ebeam.EventRamp || ev.Kind == ebeam.EventWrite {
		payload, _ := json.Marshal(channelPayload{Voltage: ev.Voltage, At: ev.At})
		return Message{
			Topic:   fmt.Sprintf("%s/channel/%s", root, ev.Channel),
			Payload: payload,
			Retain:  true,
		}
	}
	payload, _ := json.Marshal(ev)
	return Message{Topic: root + "/event", Payload: payload}
}

// A Publisher forwards status events to the broker.
type Publisher struct {
	cfg    Config
	client mqtt.Client
}

// Dial connects to the broker, retrying with a capped exponential backoff;
// brokers dislike being connection-thrashed as much as lab hardware does.
func Dial(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("telemetry: no broker configured")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "staibsrv"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(3 * time.Second)
	client := mqtt.NewClient(opts)

	op := func() error {
		tok := client.Connect()
		tok.Wait()
		return tok.Error()
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      10 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect to %s: %w", cfg.Broker, err)
	}
	return &Publisher{cfg: cfg, client: client}, nil
}

// Run consumes events until ctx ends or the channel closes.  Publish
// failures are logged and dropped; telemetry must never stall the control
// loop.
func (p *Publisher) Run(ctx context.Context, events <-chan ebeam.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := Render(p.cfg.TopicRoot, ev)
			tok := p.client.Publish(msg.Topic, 0, msg.Retain, msg.Payload)
			if tok.WaitTimeout(time.Second) && tok.Error() != nil {
				log.Println("telemetry:", tok.Error())
			}
		case <-ctx.Done():
			p.client.Disconnect(250)
			return
		}
	}
}
