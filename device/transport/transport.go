// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/relabs-tech/fleetprovisioning/config"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
	"github.com/relabs-tech/fleetprovisioning/device"
	"github.com/sirupsen/logrus"
)

// ErrPayloadTooLarge is returned for payloads that do not fit the network buffer
var ErrPayloadTooLarge = errors.New("payload exceeds network buffer size")

// ErrNotConnected is returned when the connection to the broker was lost
var ErrNotConnected = errors.New("not connected")

// ErrSubscriptionRejected is returned when the broker answers a subscription with a failure
var ErrSubscriptionRejected = errors.New("subscription rejected by broker")

// subackFailure is the SUBACK return code of a rejected subscription
const subackFailure = 0x80

const (
	defaultKeepAlive        = 60 * time.Second
	defaultConnectTimeout   = 5 * time.Second
	defaultOperationTimeout = 15 * time.Second
)

// Options describe a connection to the broker
type Options struct {
	// Endpoint is the host name of the broker. This is mandatory.
	Endpoint string
	// Port is the broker port. This is mandatory.
	Port int
	// ClientID is the MQTT client identifier. This is mandatory.
	ClientID string
	// Username is optional, AWS IoT reads SDK metrics from it.
	Username string
	// TLSConfig holds the client credentials. This is mandatory.
	TLSConfig *tls.Config
	// NetworkBufferSize is the largest payload in bytes that is sent or accepted.
	// This is mandatory.
	NetworkBufferSize uint
	// KeepAlive defaults to 60 seconds
	KeepAlive time.Duration
	// ConnectTimeout defaults to 5 seconds
	ConnectTimeout time.Duration
	// OperationTimeout bounds publish, subscribe and unsubscribe when the context
	// has no deadline. It defaults to 15 seconds
	OperationTimeout time.Duration
}

// OptionsFromSettings returns connection options for settings with the given credentials.
func OptionsFromSettings(s *config.Settings, tlsConfig *tls.Config) Options {
	return Options{
		Endpoint:          s.Broker.Endpoint,
		Port:              s.Broker.Port,
		ClientID:          s.Broker.ClientIdentifier,
		Username:          s.MetricsUsername(),
		TLSConfig:         tlsConfig,
		NetworkBufferSize: s.Broker.NetworkBufferSize,
	}
}

// BrokerURL returns the paho broker URL of the options
func (o Options) BrokerURL() string {
	return "ssl://" + o.Endpoint + ":" + strconv.Itoa(o.Port)
}

// CheckPayloadSize returns ErrPayloadTooLarge if a payload of size bytes does not fit a buffer of
// bufferSize bytes.
func CheckPayloadSize(size int, bufferSize uint) error {
	if size < 0 || uint(size) > bufferSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, size, bufferSize)
	}
	return nil
}

// Connection is an MQTT connection to the broker. It satisfies device.MessageTransport.
type Connection struct {
	client  MQTT.Client
	options Options
}

var _ device.MessageTransport = (*Connection)(nil)

// Connect connects to the broker. It returns when the connection is established, the
// connect timeout elapsed or ctx is done.
func Connect(ctx context.Context, o Options) (*Connection, error) {
	if len(o.Endpoint) == 0 {
		return nil, errors.New("endpoint is missing")
	}
	if len(o.ClientID) == 0 {
		return nil, errors.New("client identifier is missing")
	}
	if o.TLSConfig == nil {
		return nil, errors.New("TLS configuration is missing")
	}
	if o.NetworkBufferSize == 0 {
		return nil, errors.New("network buffer size is missing")
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = defaultKeepAlive
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.OperationTimeout == 0 {
		o.OperationTimeout = defaultOperationTimeout
	}

	rlog := logger.FromContext(ctx).WithField("client_id", o.ClientID)

	opts := MQTT.NewClientOptions()
	opts.AddBroker(o.BrokerURL())
	opts.SetClientID(o.ClientID)
	if len(o.Username) > 0 {
		opts.SetUsername(o.Username)
	}
	opts.SetTLSConfig(o.TLSConfig)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(o.KeepAlive)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(c MQTT.Client, err error) {
		rlog.WithError(err).Warnln("connection to broker lost")
	})

	rlog.Infof("connecting to %s", o.BrokerURL())
	client := MQTT.NewClient(opts)
	if err := wait(ctx, client.Connect(), o.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", o.BrokerURL(), err)
	}
	rlog.Infoln("connected")

	return &Connection{client: client, options: o}, nil
}

// Publish publishes payload on topic with quality of service 1.
func (c *Connection) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := CheckPayloadSize(len(payload), c.options.NetworkBufferSize); err != nil {
		return fmt.Errorf("publish on %s: %w", topic, err)
	}
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	logger.FromContext(ctx).Debugf("publish on %s (%d bytes)", topic, len(payload))
	if err := wait(ctx, c.client.Publish(topic, 1, false, payload), c.options.OperationTimeout); err != nil {
		return fmt.Errorf("publish on %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to topic with quality of service 1. Messages larger than the
// network buffer are dropped.
func (c *Connection) Subscribe(ctx context.Context, topic string, handler device.MessageHandler) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	rlog := logger.FromContext(ctx)
	rlog.Debugf("subscribe to %s", topic)
	token := c.client.Subscribe(topic, 1, limitedHandler(rlog, c.options.NetworkBufferSize, handler))
	if err := wait(ctx, token, c.options.OperationTimeout); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	if st, ok := token.(*MQTT.SubscribeToken); ok && st.Result()[topic] == subackFailure {
		return fmt.Errorf("subscribe to %s: %w", topic, ErrSubscriptionRejected)
	}
	return nil
}

// limitedHandler delivers messages to handler and drops those larger than bufferSize
func limitedHandler(rlog *logrus.Entry, bufferSize uint, handler device.MessageHandler) MQTT.MessageHandler {
	return func(_ MQTT.Client, msg MQTT.Message) {
		if err := CheckPayloadSize(len(msg.Payload()), bufferSize); err != nil {
			rlog.WithError(err).Errorf("dropping message on %s", msg.Topic())
			return
		}
		handler(msg.Topic(), msg.Payload())
	}
}

// Unsubscribe removes the subscriptions for topics
func (c *Connection) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	if err := wait(ctx, c.client.Unsubscribe(topics...), c.options.OperationTimeout); err != nil {
		return fmt.Errorf("unsubscribe from %v: %w", topics, err)
	}
	return nil
}

// Disconnect closes the connection. Pending work gets a quarter second to complete.
func (c *Connection) Disconnect() {
	c.client.Disconnect(250)
	logger.Default().WithField("client_id", c.options.ClientID).Infoln("disconnected")
}

// wait waits for token. Without a deadline on ctx the wait is bounded by timeout.
func wait(ctx context.Context, token MQTT.Token, timeout time.Duration) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
