// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"context"
	"errors"
	"sync"

	"github.com/relabs-tech/fleetprovisioning/core/logger"
	"github.com/relabs-tech/fleetprovisioning/device"
)

// ErrSubscriptionDenied is returned when the topic policy denies a subscription
var ErrSubscriptionDenied = errors.New("subscription denied")

// Bus is an in-memory message bus in front of a Service. It applies the same topic policy as
// the broker and lets devices run without network and TLS, for tests and dry runs.
type Bus struct {
	svc *Service

	mutex         sync.RWMutex
	subscriptions map[string]map[string]device.MessageHandler
}

// NewBus returns a bus for svc
func NewBus(svc *Service) *Bus {
	return &Bus{
		svc:           svc,
		subscriptions: make(map[string]map[string]device.MessageHandler),
	}
}

// Client returns a transport for clientID authenticated with the claim certificate
func (b *Bus) Client(clientID string) *BusClient {
	return &BusClient{bus: b, session: ClaimSession(clientID)}
}

// Connect returns a transport for clientID authenticated with the certificate certificateID,
// checked like the broker checks client certificates.
func (b *Bus) Connect(ctx context.Context, clientID, certificateID string) (*BusClient, error) {
	session, err := b.svc.Authenticate(ctx, certificateID, clientID)
	if err != nil {
		return nil, err
	}
	return &BusClient{bus: b, session: session}, nil
}

// PublishMessageQ1 delivers a message to all subscribers of topic
func (b *Bus) PublishMessageQ1(topic string, payload []byte) {
	b.mutex.RLock()
	handlers := []device.MessageHandler{}
	for _, subscriptions := range b.subscriptions {
		if h, ok := subscriptions[topic]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mutex.RUnlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

// BusClient is the session of a single client on the bus. It implements
// device.MessageTransport.
type BusClient struct {
	bus     *Bus
	session Session
}

// Publish implements device.MessageTransport
func (c *BusClient) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if IsServiceTopic(topic) {
		rctx, _ := logger.ContextWithLoggerIdentity(context.Background(), c.session.ClientID)
		c.bus.svc.Dispatch(rctx, c.bus, c.session, topic, payload)
		return nil
	}
	c.bus.PublishMessageQ1(topic, payload)
	return nil
}

// Subscribe implements device.MessageTransport
func (c *BusClient) Subscribe(ctx context.Context, topic string, handler device.MessageHandler) error {
	if !c.bus.svc.AllowSubscribe(c.session, topic) {
		return ErrSubscriptionDenied
	}
	c.bus.mutex.Lock()
	defer c.bus.mutex.Unlock()
	subscriptions, ok := c.bus.subscriptions[c.session.ClientID]
	if !ok {
		subscriptions = make(map[string]device.MessageHandler)
		c.bus.subscriptions[c.session.ClientID] = subscriptions
	}
	subscriptions[topic] = handler
	return nil
}

// Unsubscribe implements device.MessageTransport
func (c *BusClient) Unsubscribe(ctx context.Context, topics ...string) error {
	c.bus.mutex.Lock()
	defer c.bus.mutex.Unlock()
	for _, topic := range topics {
		delete(c.bus.subscriptions[c.session.ClientID], topic)
	}
	return nil
}

// Close removes all subscriptions of the client
func (c *BusClient) Close() {
	c.bus.mutex.Lock()
	defer c.bus.mutex.Unlock()
	delete(c.bus.subscriptions, c.session.ClientID)
}
