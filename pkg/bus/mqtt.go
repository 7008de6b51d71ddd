package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/fleeterr"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	mqttQoS        = 0
)

// MQTT is the production Bus over an MQTT broker on the trusted mission LAN.
// Subscriptions are replayed on every (re)connect, so a broker restart only
// costs the messages published while disconnected.
type MQTT struct {
	clientID string
	addr     string
	client   mqtt.Client
	log      *zap.Logger

	mu     sync.Mutex
	topics []string
	inbox  *inbox
}

// NewMQTT builds an unconnected MQTT bus for host:port.
func NewMQTT(clientID, host string, port int, log *zap.Logger) *MQTT {
	return &MQTT{
		clientID: clientID,
		addr:     fmt.Sprintf("tcp://%s:%d", host, port),
		log:      log.Named("bus"),
		inbox:    newInbox(defaultInboxSize, log.Named("bus")),
	}
}

// Connect dials the broker, blocking until connected, the timeout elapses,
// or ctx is cancelled.
func (b *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.addr).
		SetClientID(b.clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn("broker connection lost", zap.Error(err))
		})

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fleeterr.Wrap(fleeterr.TransientBus, fleeterr.CodeBusTimeout,
			"connecting to "+b.addr, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fleeterr.Wrap(fleeterr.TransientBus, fleeterr.CodeBrokerUnreach,
			"connecting to "+b.addr, err)
	}
	b.log.Info("connected to broker", zap.String("addr", b.addr))
	return nil
}

// onConnect replays subscriptions after the initial connect and every
// automatic reconnect.
func (b *MQTT) onConnect(client mqtt.Client) {
	b.mu.Lock()
	topics := append([]string(nil), b.topics...)
	b.mu.Unlock()
	for _, topic := range topics {
		if token := client.Subscribe(topic, mqttQoS, b.receive); token.Wait() && token.Error() != nil {
			b.log.Error("resubscribe failed",
				zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

func (b *MQTT) receive(_ mqtt.Client, msg mqtt.Message) {
	b.inbox.push(Message{Topic: msg.Topic(), Payload: msg.Payload()})
}

// Publish sends payload on topic. JSON encoding happens here; a marshal
// failure is a programming error and is reported, not retried.
func (b *MQTT) Publish(topic string, payload interface{}, retain bool) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", topic, err)
	}
	token := b.client.Publish(topic, mqttQoS, retain, raw)
	if !token.WaitTimeout(publishTimeout) {
		return fleeterr.New(fleeterr.TransientBus, fleeterr.CodeBusTimeout,
			"publish timed out on "+topic)
	}
	if err := token.Error(); err != nil {
		return fleeterr.Wrap(fleeterr.TransientBus, fleeterr.CodeBusPublish,
			"publishing on "+topic, err)
	}
	return nil
}

// Subscribe registers topics (exact or with `+`/`#` wildcards) for delivery
// on Messages. Topics are remembered for resubscription after reconnects.
func (b *MQTT) Subscribe(topics ...string) error {
	b.mu.Lock()
	b.topics = append(b.topics, topics...)
	b.mu.Unlock()
	for _, topic := range topics {
		token := b.client.Subscribe(topic, mqttQoS, b.receive)
		if token.Wait() && token.Error() != nil {
			return fleeterr.Wrap(fleeterr.TransientBus, fleeterr.CodeBusSubscribe,
				"subscribing to "+topic, token.Error())
		}
	}
	return nil
}

// Messages returns the inbound delivery channel.
func (b *MQTT) Messages() <-chan Message { return b.inbox.messages() }

// Close disconnects from the broker and closes Messages.
func (b *MQTT) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.inbox.close()
}
