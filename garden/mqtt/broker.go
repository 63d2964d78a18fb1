// Package mqtt runs the MQTT broker garden devices report their liveness
// to. Devices connect with their serial number as client ID and publish
// their derived key to garden/<serial>/sync; a verified sync updates the
// device's last contact time in the registry.
package mqtt

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"

	"github.com/verdant-tech/gardenauth/core/logger"
	"github.com/verdant-tech/gardenauth/garden/keys"
	"github.com/verdant-tech/gardenauth/garden/registry"
)

// Broker is the MQTT broker for garden devices.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Registry is the device registry. This is mandatory.
	Registry *registry.Registry
	// SigningSecret is the process-wide signing secret for key
	// derivation. This is mandatory.
	SigningSecret string
	// Address is the TCP listen address. Defaults to ":1883".
	Address string
}

type plugin struct {
	ln            net.Listener
	registry      *registry.Registry
	signingSecret string

	service gmqtt.Server
}

type syncMessage struct {
	Key string `json:"key"`
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Registry == nil {
		panic("Registry is missing")
	}
	if len(bb.SigningSecret) == 0 {
		panic("signing secret is missing")
	}
	address := bb.Address
	if len(address) == 0 {
		address = ":1883"
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		panic(err)
	}

	return &Broker{
		p: &plugin{
			ln:            ln,
			registry:      bb.Registry,
			signingSecret: bb.SigningSecret,
		},
	}
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM and
// a gracefully shutdown.
func (b *Broker) Run() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()

	logger.Default().Infoln("mqtt broker listening on", b.p.ln.Addr())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	logger.Default().Infoln("mqtt broker stopped")
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
func (p *plugin) Name() string { return "garden broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper enforces that the MQTT client ID is a well-formed
// serial number. Possession of the derived key is proven later, on the
// sync message itself.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		serial := client.OptionsReader().ClientID()
		if !keys.ValidSerial(serial) {
			logger.Default().Warnln("connect denied,", serial, "is not a serial number")
			return packets.CodeNotAuthorized
		}
		logger.Default().Debugln("connect", serial)
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy: a device may only subscribe
// below its own garden/<serial>/ prefix.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		serial := client.OptionsReader().ClientID()
		if !strings.HasPrefix(topic.Name, "garden/"+serial+"/") {
			logger.Default().Warnln("subscribe", serial, topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper intercepts sync messages
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		serial := client.OptionsReader().ClientID()
		topic := msg.Topic()
		if topic != "garden/"+serial+"/sync" {
			return arrived(ctx, client, msg)
		}

		var sync syncMessage
		if err := json.Unmarshal(msg.Payload(), &sync); err != nil {
			logger.Default().Warnln("sync from", serial, "with invalid payload")
			return false
		}
		if !keys.Equal(sync.Key, keys.DeriveKey(serial, p.signingSecret)) {
			logger.Default().Warnln("sync from", serial, "with wrong key")
			return false
		}
		if err := p.registry.TouchSync(serial, time.Now()); err != nil {
			logger.Default().WithError(err).Errorln("could not record sync for", serial)
			return false
		}
		logger.Default().Debugln("sync", serial)
		return arrived(ctx, client, msg)
	}
}
