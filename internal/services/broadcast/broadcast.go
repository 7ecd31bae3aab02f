// Package broadcast republishes calibration events to an MQTT broker.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/bbernstein/lacylights-ledmap/internal/services/calibration"
	"github.com/bbernstein/lacylights-ledmap/internal/services/pubsub"
)

// QoS used for every message.
const QoS byte = 1

// ErrTimeout is returned when the broker does not acknowledge a publish in time.
var ErrTimeout = errors.New("mqtt publish timed out")

// Client is the subset of mqtt.Client used for publishing.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Options configures the broker connection.
type Options struct {
	Broker   string
	ClientID string
	Prefix   string
}

// Connect dials the broker and returns a connected client.
func Connect(opts Options) (mqtt.Client, error) {
	mqtt.ERROR = log.New(os.Stderr, "[mqtt] ", log.LstdFlags)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("📡 Connected to MQTT broker at %s", opts.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("⚠️  MQTT connection lost: %v", err)
		})

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", opts.Broker, token.Error())
	}
	return client, nil
}

// Broadcaster publishes calibration events as JSON under a topic prefix.
type Broadcaster struct {
	client  Client
	prefix  string
	timeout time.Duration
}

// New creates a broadcaster. An empty prefix defaults to "ledmap".
func New(client Client, prefix string) *Broadcaster {
	if prefix == "" {
		prefix = "ledmap"
	}
	return &Broadcaster{client: client, prefix: prefix, timeout: 5 * time.Second}
}

// Topic returns the full topic for a suffix.
func (b *Broadcaster) Topic(suffix string) string {
	return b.prefix + "/" + suffix
}

// PublishProgress publishes a per-LED progress event to <prefix>/progress.
func (b *Broadcaster) PublishProgress(p calibration.Progress) error {
	return b.publish(b.Topic("progress"), false, p)
}

// PublishMap publishes a finished run to <prefix>/map. The message is
// retained so late subscribers get the latest map.
func (b *Broadcaster) PublishMap(done *calibration.Completed) error {
	return b.publish(b.Topic("map"), true, done)
}

// PublishDepth publishes a computed depth map to <prefix>/depth.
func (b *Broadcaster) PublishDepth(depth interface{}) error {
	return b.publish(b.Topic("depth"), true, depth)
}

func (b *Broadcaster) publish(topic string, retained bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}
	token := b.client.Publish(topic, QoS, retained, payload)
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("%s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

// Forward subscribes to calibration and depth topics and publishes every
// event until ctx is done.
func (b *Broadcaster) Forward(ctx context.Context, ps *pubsub.PubSub) {
	progress := ps.Subscribe(pubsub.TopicCalibrationProgress, "", 256)
	completed := ps.Subscribe(pubsub.TopicCalibrationCompleted, "", 4)
	depth := ps.Subscribe(pubsub.TopicDepthComputed, "", 4)
	defer ps.Unsubscribe(progress)
	defer ps.Unsubscribe(completed)
	defer ps.Unsubscribe(depth)

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case msg := <-progress.Channel:
			if p, ok := msg.(calibration.Progress); ok {
				err = b.PublishProgress(p)
			}
		case msg := <-completed.Channel:
			if done, ok := msg.(*calibration.Completed); ok {
				err = b.PublishMap(done)
			}
		case msg := <-depth.Channel:
			err = b.PublishDepth(msg)
		}
		if err != nil {
			log.Printf("⚠️  MQTT broadcast: %v", err)
		}
	}
}
