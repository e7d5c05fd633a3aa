package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/metrics"
	"github.com/relabs-tech/devicemanager/iot/identity"
)

// DefaultAddress is the listen address of the broker
const DefaultAddress = ":8883"

// Broker is a MQTT broker for devices
type Broker struct {
	p    *plugin
	hub  *Hub
	run  func()
	stop func(ctx context.Context)
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Identities authenticates devices. This is mandatory.
	Identities *identity.Registry
	// Devices handles reported properties, twin requests and command feedback. This is mandatory.
	Devices DeviceHandler
	// Telemetry ingests telemetry
	Telemetry TelemetryIngester
	Metrics   *metrics.Metrics
	// Address is the listen address, defaults to DefaultAddress
	Address string
	// CACertFile is the file path to the X.509 certificate of the certificate authority
	// which signs device certificates. With CACertFile, CertFile and KeyFile the broker
	// requires TLS client certificates whose common name is the device id. Without, devices
	// authenticate with their id as user name and one of their keys as password.
	CACertFile string
	// CertFile is the file path to the X.509 certificate file of the broker
	CertFile string
	// KeyFile is the file path to the X.509 private key file of the broker
	KeyFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	identities *identity.Registry
	hub        *Hub

	deviceIdsRwmux sync.RWMutex
	deviceIds      map[net.Conn]string
	clients        map[net.Conn]string

	service gmqtt.Server
}

// NewBroker returns a new broker listening on the configured address. The broker will
// not accept connections until you call Run().
func NewBroker(b *Builder) (*Broker, error) {
	if b.Identities == nil {
		panic("Identities is missing")
	}
	if b.Devices == nil {
		panic("Devices is missing")
	}
	address := b.Address
	if address == "" {
		address = DefaultAddress
	}

	var (
		ln  net.Listener
		err error
	)
	if b.CertFile != "" || b.KeyFile != "" || b.CACertFile != "" {
		tlsConfig, err := loadTLSConfig(b.CACertFile, b.CertFile, b.KeyFile)
		if err != nil {
			return nil, err
		}
		ln, err = tls.Listen("tcp", address, tlsConfig)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Default().Warnln("mqtt broker runs without TLS, devices authenticate with keys")
		ln, err = net.Listen("tcp", address)
		if err != nil {
			return nil, err
		}
	}

	p := &plugin{
		identities: b.Identities,
		deviceIds:  map[net.Conn]string{},
		clients:    map[net.Conn]string{},
	}
	broker := &Broker{p: p}
	broker.hub = NewHub(PublisherFunc(p.publish), b.Devices, b.Telemetry, b.Metrics)
	p.hub = broker.hub
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(p),
	)
	broker.run = func() { s.Run() }
	broker.stop = func(ctx context.Context) { s.Stop(ctx) }
	return broker, nil
}

func loadTLSConfig(caCertFile, certFile, keyFile string) (*tls.Config, error) {
	if caCertFile == "" || certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("ca-cert, cert and key file are required for TLS")
	}
	crt, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caCert, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates in %s", caCertFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Hub returns the broker's hub. It implements devices.Messenger.
func (b *Broker) Hub() *Hub {
	return b.hub
}

// Run runs the server. It returns immediately.
func (b *Broker) Run() {
	b.run()
	logger.Default().Infoln("mqtt broker started")
}

// Stop stops the server gracefully
func (b *Broker) Stop(ctx context.Context) {
	b.stop(ctx)
	logger.Default().Infoln("mqtt broker stopped")
}

func (p *plugin) publish(topic string, payload []byte, qos byte) {
	if p.service == nil {
		logger.Default().Warnln("broker not loaded, dropping message on", topic)
		return
	}
	msg := gmqtt.NewMessage(topic, payload, qos)
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
func (p *plugin) Name() string { return "devicemanager broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) deviceIDFromConnection(conn net.Conn) (string, bool) {
	p.deviceIdsRwmux.RLock()
	defer p.deviceIdsRwmux.RUnlock()
	deviceID, ok := p.deviceIds[conn]
	return deviceID, ok
}

// OnAcceptWrapper authenticates TLS clients by their certificate. The common name
// is the device id, the device must be enabled.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				logger.Default().WithError(err).Debugln("tls handshake failed")
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
				return false
			}
			deviceID := state.VerifiedChains[0][0].Subject.CommonName
			registered, err := p.identities.Get(ctx, deviceID)
			if err != nil || !registered.Enabled() {
				logger.Default().Infoln("accept denied, unknown or disabled device", deviceID)
				return false
			}
			p.deviceIdsRwmux.Lock()
			p.deviceIds[conn] = deviceID
			p.deviceIdsRwmux.Unlock()
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID is the authenticated device id.
// Clients without certificate authenticate with a device key as password.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		clientID := options.ClientID()
		if deviceID, ok := p.deviceIDFromConnection(client.Connection()); ok {
			if clientID != deviceID {
				logger.Default().Infoln("connect denied,", clientID, "does not match certificate", deviceID)
				return packets.CodeNotAuthorized
			}
		} else {
			if string(options.Username()) != clientID {
				logger.Default().Infoln("connect denied, user name must be the device id", clientID)
				return packets.CodeNotAuthorized
			}
			if _, ok := p.identities.Authenticate(ctx, clientID, string(options.Password())); !ok {
				logger.Default().Infoln("connect denied, invalid key for", clientID)
				return packets.CodeNotAuthorized
			}
		}
		code = connect(ctx, client)
		if code == 0 {
			p.deviceIdsRwmux.Lock()
			p.clients[client.Connection()] = clientID
			p.deviceIdsRwmux.Unlock()
			p.hub.Connected(clientID)
			logger.Default().Infoln("connect", clientID)
		}
		return code
	}
}

// OnCloseWrapper forgets closed connections. A client taking over the session of
// another client with the same id connects before the old connection closes, so
// connections are tracked per net.Conn and not per client id.
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		conn := client.Connection()
		p.deviceIdsRwmux.Lock()
		delete(p.deviceIds, conn)
		clientID, wasConnected := p.clients[conn]
		delete(p.clients, conn)
		p.deviceIdsRwmux.Unlock()
		if wasConnected {
			p.hub.Disconnected(clientID)
			logger.Default().Infoln("disconnect", clientID)
		}
		closed(ctx, client, err)
	}
}

// OnMsgArrivedWrapper passes device messages to the hub and drops rejected ones
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID := client.OptionsReader().ClientID()
		ctx, rlog := logger.ContextWithLoggerDevice(ctx, deviceID)
		if err := p.hub.HandleMessage(ctx, deviceID, msg.Topic(), msg.Payload()); err != nil {
			rlog.WithError(err).Warnln("message on", msg.Topic(), "rejected")
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if !MaySubscribe(deviceID, topic.Name) {
			logger.Default().Infoln("subscribe", deviceID, topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}
