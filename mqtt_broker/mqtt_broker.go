package mqtt_broker

import (
	"crypto/tls"
	"fmt"

	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"opcua-gateway/config"
	"opcua-gateway/logic"
)

// Broker is the embedded MQTT broker. Its inline client carries the
// gateway's own publications.
type Broker struct {
	server *MQTT.Server
	log    logrus.FieldLogger
}

// StartBroker configures the broker from cfg and starts serving.
func StartBroker(cfg config.BrokerConfig, log logrus.FieldLogger) (*Broker, error) {
	s := MQTT.New(&MQTT.Options{
		InlineClient: true,
	})

	if err := addAuthHook(s, cfg.Auth); err != nil {
		return nil, err
	}

	if err := createListeners(s, cfg, log); err != nil {
		s.Close()
		return nil, fmt.Errorf("error adding listeners: %w", err)
	}

	if err := s.Serve(); err != nil {
		s.Close()
		return nil, fmt.Errorf("serve error: %w", err)
	}
	log.Infof("MQTT-Broker: started with %d listener(s)", len(cfg.Listeners))
	return &Broker{server: s, log: log}, nil
}

// Server returns the mochi server for inline publishing.
func (b *Broker) Server() *MQTT.Server {
	return b.server
}

// StopBroker closes all listeners and clients.
func (b *Broker) StopBroker() {
	if err := b.server.Close(); err != nil {
		b.log.Warnf("MQTT-Broker: error while stopping: %v", err)
		return
	}
	b.log.Info("MQTT-Broker: stopped successfully.")
}

// addAuthHook installs the ledger built from rules. Without rules every
// client is allowed.
func addAuthHook(s *MQTT.Server, rules []config.AuthRule) error {
	if len(rules) == 0 {
		if err := s.AddHook(new(auth.AllowHook), nil); err != nil {
			return fmt.Errorf("failed to add allow hook: %w", err)
		}
		return nil
	}
	data, err := authData(rules)
	if err != nil {
		return fmt.Errorf("failed to build auth data: %w", err)
	}
	if err := s.AddHook(new(auth.Hook), &auth.Options{Data: data}); err != nil {
		return fmt.Errorf("failed to add auth hook: %w", err)
	}
	return nil
}

// authData renders the rules in the mochi ledger format.
func authData(rules []config.AuthRule) ([]byte, error) {
	entries := make([]map[string]interface{}, 0, len(rules))
	for _, r := range rules {
		entries = append(entries, map[string]interface{}{
			"username": r.Username,
			"password": r.Password,
			"allow":    r.Allow,
		})
	}
	return yaml.Marshal(map[string]interface{}{"auth": entries})
}

func createListeners(server *MQTT.Server, cfg config.BrokerConfig, log logrus.FieldLogger) error {
	var tlsConfig *tls.Config
	for _, l := range cfg.Listeners {
		if l.TLS && tlsConfig == nil {
			cert, err := logic.LoadOrCreateCert(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return fmt.Errorf("failed to load TLS certificate: %w", err)
			}
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}

	for _, listener := range cfg.Listeners {
		lc := listeners.Config{
			ID:        listener.ID,
			Address:   listener.Address,
			TLSConfig: getTLSConfig(listener.TLS, tlsConfig),
		}
		var l listeners.Listener
		switch listener.Type {
		case "tcp":
			l = listeners.NewTCP(lc)
		case "websocket":
			l = listeners.NewWebsocket(lc)
		case "http":
			l = listeners.NewHTTPStats(lc, server.Info)
		default:
			log.Warnf("MQTT-Broker: unknown listener type %s", listener.Type)
			continue
		}
		if err := server.AddListener(l); err != nil {
			return fmt.Errorf("listener %s: %w", listener.ID, err)
		}
	}
	return nil
}

func getTLSConfig(tlsRequired bool, tlsConfig *tls.Config) *tls.Config {
	if tlsRequired {
		return tlsConfig
	}
	return nil
}
