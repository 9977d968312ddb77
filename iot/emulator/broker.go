// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package emulator

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/relabs-tech/fleetprovisioning/config"
	"github.com/relabs-tech/fleetprovisioning/core/logger"
)

// Broker is the MQTT broker of the emulator. Clients authenticate with certificates issued by
// the emulator's CA; requests on the AWS IoT reserved topics are answered by the Service.
type Broker struct {
	p *plugin
}

// BrokerBuilder is a builder helper for the Broker
type BrokerBuilder struct {
	// Service answers the requests. This is mandatory.
	Service *Service
	// CA verifies client certificates. This is mandatory.
	CA *CA
	// ServerCertificate is the TLS certificate of the broker. This is mandatory.
	ServerCertificate tls.Certificate
	// Address is the listen address, defaults to ":8883"
	Address string
}

// connection is the state of an accepted TLS connection. The session is set once the client
// connected.
type connection struct {
	certificateID string
	session       *Session
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln net.Listener

	mutex       sync.RWMutex
	connections map[net.Conn]*connection
	sessions    map[string]net.Conn

	service gmqtt.Server
	svc     *Service
}

// MustNewBroker returns a new broker listening on its address. The broker will not
// actually serve until you call Run()
func MustNewBroker(bb *BrokerBuilder) *Broker {
	if bb.Service == nil {
		panic("Service is missing")
	}
	if bb.CA == nil {
		panic("CA is missing")
	}
	if len(bb.ServerCertificate.Certificate) == 0 {
		panic("server certificate is missing")
	}
	address := bb.Address
	if address == "" {
		address = ":8883"
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{bb.ServerCertificate},
		ClientCAs:    bb.CA.Pool(),
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   []string{config.ALPNProtocolName},
		MinVersion:   tls.VersionTLS12,
	}
	ln, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		panic(err)
	}
	return &Broker{
		p: &plugin{
			ln:          ln,
			connections: make(map[net.Conn]*connection),
			sessions:    make(map[string]net.Conn),
			svc:         bb.Service,
		},
	}
}

// Addr returns the listen address of the broker
func (b *Broker) Addr() net.Addr {
	return b.p.ln.Addr()
}

// Run serves until ctx is done and then stops the server gracefully
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("broker listening on", b.p.ln.Addr())
	<-ctx.Done()
	err := s.Stop(context.Background())
	logger.Default().Infoln("broker stopped")
	return err
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	b.p.PublishMessageQ1(topic, payload)
}

func (p *plugin) PublishMessageQ1(topic string, payload []byte) {
	logger.Default().Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "fleet provisioning emulator" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) connection(conn net.Conn) *connection {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.connections[conn]
}

// session returns the session of a connected client, nil if it did not connect
func (p *plugin) session(client gmqtt.Client) *Session {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	c, ok := p.connections[client.Connection()]
	if !ok {
		return nil
	}
	return c.session
}

// OnAcceptWrapper remembers the certificate id of every verified TLS connection
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return false
		}
		if err := tlsConn.Handshake(); err != nil {
			logger.Default().WithError(err).Debugln("handshake failed")
			return false
		}
		state := tlsConn.ConnectionState()
		if len(state.VerifiedChains) == 0 {
			return false
		}
		certificateID := CertificateID(state.VerifiedChains[0][0].Raw)

		p.mutex.Lock()
		p.connections[conn] = &connection{certificateID: certificateID}
		p.mutex.Unlock()
		logger.Default().Debugln("accept certificate", certificateID)
		return accept(ctx, conn)
	}
}

// OnConnectWrapper authenticates the client: sessions of the claim certificate may use any
// client id, the client id of a provisioned certificate must be its thing name.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		conn := client.Connection()
		c := p.connection(conn)
		if c == nil {
			return packets.CodeNotAuthorized
		}
		session, err := p.svc.Authenticate(ctx, c.certificateID, clientID)
		if err != nil {
			if errors.Is(err, ErrNotAuthorized) {
				logger.Default().Warnln("connect denied,", err)
			} else {
				logger.Default().WithError(err).Errorln("cannot authenticate", clientID)
			}
			p.mutex.Lock()
			delete(p.connections, conn)
			p.mutex.Unlock()
			return packets.CodeNotAuthorized
		}

		p.mutex.Lock()
		c.session = &session
		if previous, ok := p.sessions[clientID]; ok && previous != conn {
			logger.Default().Warnln("client id", clientID, "takes over an existing session")
			delete(p.connections, previous)
		}
		p.sessions[clientID] = conn
		p.mutex.Unlock()

		logger.Default().Infoln("connect", clientID, "claim:", session.Claim())
		return connect(ctx, client)
	}
}

// OnCloseWrapper drops the state of closed connections
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		conn := client.Connection()
		clientID := client.OptionsReader().ClientID()
		p.mutex.Lock()
		delete(p.connections, conn)
		if p.sessions[clientID] == conn {
			delete(p.sessions, clientID)
		}
		p.mutex.Unlock()
		logger.Default().Debugln("closed", clientID)
		closed(ctx, client, err)
	}
}

// OnMsgArrivedWrapper answers requests on the reserved topics. Those messages are not
// delivered to other subscribers.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		topic := msg.Topic()
		if !IsServiceTopic(topic) {
			return arrived(ctx, client, msg)
		}
		session := p.session(client)
		if session == nil {
			return false
		}
		payload := append([]byte(nil), msg.Payload()...)
		go func() {
			rctx, _ := logger.ContextWithLoggerIdentity(context.Background(), session.ClientID)
			p.svc.Dispatch(rctx, p, *session, topic, payload)
		}()
		return false
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		session := p.session(client)
		if session == nil || !p.svc.AllowSubscribe(*session, topic.Name) {
			logger.Default().Warnln("OnSubscribe", clientID, topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.Default().Debugln("OnSubscribed", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}
