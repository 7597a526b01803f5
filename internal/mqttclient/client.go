// Package mqttclient is an optional outbound bridge that mirrors relay
// events to an MQTT broker for external monitoring.
package mqttclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/ptt-relay/internal/relay"
)

type Bridge struct {
	conn        mqtt.Client
	topicPrefix string
	connected   atomic.Bool
	log         zerolog.Logger

	cancel func()
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Bridge, error) {
	b := &Bridge{
		topicPrefix: opts.TopicPrefix,
		log:         opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	b.conn = mqtt.NewClient(clientOpts)
	token := b.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return b, nil
}

// Run subscribes to the event bus and publishes each event until the
// context ends. Publishes are QoS 0 fire-and-forget; a broker outage
// loses events rather than backing up the relay.
func (b *Bridge) Run(ctx context.Context, bus *relay.EventBus) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	events, unsubscribe := bus.Subscribe()

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				b.publish(event)
			}
		}
	}()
}

func (b *Bridge) publish(event relay.Event) {
	if !b.connected.Load() {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	topic := fmt.Sprintf("%s/events/%s", b.topicPrefix, event.Type)
	if event.Channel != "" {
		topic = fmt.Sprintf("%s/channels/%s/%s", b.topicPrefix, event.Channel, event.Type)
	}
	b.conn.Publish(topic, 0, false, payload)
}

func (b *Bridge) onConnect(_ mqtt.Client) {
	b.connected.Store(true)
	b.log.Info().Str("prefix", b.topicPrefix).Msg("mqtt connected")
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.connected.Store(false)
	b.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (b *Bridge) IsConnected() bool {
	return b.connected.Load()
}

func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.log.Info().Msg("disconnecting mqtt bridge")
	b.conn.Disconnect(1000)
}
