// Package notifier implements otaflux.Notifier over MQTT via
// eclipse/paho.mqtt.golang, publishing retained, QoS 1 update
// notifications for the webhook path.
package notifier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	log "log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sharedcode/otaflux"
)

// Config describes the MQTT broker connection and topic layout.
type Config struct {
	URL      string
	Username string
	Password string
	// Topic is the base topic; Publish appends "/<deviceId>".
	Topic string

	// CACertPath enables TLS when set.
	CACertPath string
	// ClientCertPath and ClientKeyPath together enable client-certificate
	// auth; a partial pair (only one set) logs a warning and is ignored.
	// Both are read only when CACertPath is set; without TLS they are
	// ignored silently.
	ClientCertPath string
	ClientKeyPath  string
}

// Notifier publishes device update notifications over MQTT.
type Notifier struct {
	client    mqtt.Client
	baseTopic string
}

// New connects to the broker described by cfg.
func New(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, otaflux.NewError(otaflux.ConfigError, errors.New("mqtt_url must be set"))
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.URL).SetAutoReconnect(true).SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "error", err)
		// Jitter before paho's own auto-reconnect loop kicks in, so that a
		// broker restart doesn't reconnect every notifier instance at once.
		otaflux.RandomSleep(context.Background())
	})

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, otaflux.NewError(otaflux.ConfigError, err)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, otaflux.NewError(otaflux.ConfigError, token.Error())
	}

	return &Notifier{client: client, baseTopic: cfg.Topic}, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.CACertPath == "" {
		return nil, nil
	}
	caPEM, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("mqtt_ca_cert_path does not contain a valid PEM certificate")
	}
	tlsConfig := &tls.Config{RootCAs: pool}

	hasCert := cfg.ClientCertPath != ""
	hasKey := cfg.ClientKeyPath != ""
	switch {
	case hasCert && hasKey:
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case hasCert || hasKey:
		log.Warn("mqtt_client_cert_path and mqtt_client_key_path must both be set for client auth; proceeding without it")
	}
	return tlsConfig, nil
}

// Publish sends payload to "<baseTopic>/<deviceId>" at QoS 1 with the
// retained flag set, honoring ctx for cancellation.
func (n *Notifier) Publish(ctx context.Context, deviceId string, payload []byte) error {
	topic := n.baseTopic + "/" + deviceId
	token := n.client.Publish(topic, 1, true, payload)

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker, waiting up to 250ms to flush in-flight messages.
func (n *Notifier) Close() {
	n.client.Disconnect(250)
}
