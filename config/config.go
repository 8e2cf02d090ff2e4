// Package config loads otaflux's startup configuration from CLI flags and
// environment variables via spf13/pflag, and validates it via
// go-playground/validator.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"

	"github.com/sharedcode/otaflux"
)

// Config is the full set of options recognized at startup.
type Config struct {
	RegistryURL      string `validate:"required"`
	RepositoryPrefix string
	RegistryUsername string
	RegistryPassword string
	RegistryInsecure bool
	CosignPubKeyPath string

	ListenAddr        string `validate:"required"`
	MetricsListenAddr string `validate:"required"`
	LogLevel          string

	CacheSize            int `validate:"required,gt=0"`
	NegativeCacheTTL     time.Duration
	MaxConcurrentFetches int `validate:"gte=0"`

	MQTTURL            string
	MQTTUsername       string
	MQTTPassword       string
	MQTTTopic          string
	MQTTCACertPath     string
	MQTTClientCertPath string
	MQTTClientKeyPath  string

	WebhookAdmissionExpr string
}

// Load parses args (typically os.Args[1:]) into a Config, falling back to
// environment variables, then validates the result.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("otaflux", pflag.ContinueOnError)
	cfg := &Config{}

	fs.StringVar(&cfg.RegistryURL, "registry-url", os.Getenv("REGISTRY_URL"), "OCI registry host")
	fs.StringVar(&cfg.RepositoryPrefix, "repository-prefix", os.Getenv("REPOSITORY_PREFIX"), "repository path prepended to the device id")
	fs.StringVar(&cfg.RegistryUsername, "registry-username", os.Getenv("REGISTRY_USERNAME"), "registry basic-auth username")
	fs.StringVar(&cfg.RegistryPassword, "registry-password", os.Getenv("REGISTRY_PASSWORD"), "registry basic-auth password")
	fs.BoolVar(&cfg.RegistryInsecure, "registry-insecure", envBool("REGISTRY_INSECURE", false), "allow plain HTTP to the registry")
	fs.StringVar(&cfg.CosignPubKeyPath, "cosign-pub-key-path", os.Getenv("COSIGN_PUB_KEY_PATH"), "optional cosign public key for artifact signature verification")

	fs.StringVar(&cfg.ListenAddr, "listen-addr", envDefault("LISTEN_ADDR", ":8080"), "device-facing HTTP listen address")
	fs.StringVar(&cfg.MetricsListenAddr, "metrics-listen-addr", envDefault("METRICS_LISTEN_ADDR", ":9090"), "metrics HTTP listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", envDefault("LOG_LEVEL", "INFO"), "one of DEBUG, INFO, WARN, ERROR")

	fs.IntVar(&cfg.CacheSize, "cache-size", envInt("CACHE_SIZE", 100), "maximum number of cached firmware records")
	fs.DurationVar(&cfg.NegativeCacheTTL, "negative-cache-ttl", envDuration("NEGATIVE_CACHE_TTL", 30*time.Second), "how long an unresolved device is remembered before retrying the registry")
	fs.IntVar(&cfg.MaxConcurrentFetches, "max-concurrent-fetches", envInt("MAX_CONCURRENT_FETCHES", 8), "maximum number of owner-path blob downloads in flight fleet-wide; 0 means unbounded")

	fs.StringVar(&cfg.MQTTURL, "mqtt-url", os.Getenv("MQTT_URL"), "optional MQTT broker URL")
	fs.StringVar(&cfg.MQTTUsername, "mqtt-username", os.Getenv("MQTT_USERNAME"), "MQTT username")
	fs.StringVar(&cfg.MQTTPassword, "mqtt-password", os.Getenv("MQTT_PASSWORD"), "MQTT password")
	fs.StringVar(&cfg.MQTTTopic, "mqtt-topic", os.Getenv("MQTT_TOPIC"), "base MQTT topic; per-device topic is <base>/<deviceId>")
	fs.StringVar(&cfg.MQTTCACertPath, "mqtt-ca-cert-path", os.Getenv("MQTT_CA_CERT_PATH"), "enables MQTT TLS when set")
	fs.StringVar(&cfg.MQTTClientCertPath, "mqtt-client-cert-path", os.Getenv("MQTT_CLIENT_CERT_PATH"), "MQTT client certificate; requires mqtt-client-key-path")
	fs.StringVar(&cfg.MQTTClientKeyPath, "mqtt-client-key-path", os.Getenv("MQTT_CLIENT_KEY_PATH"), "MQTT client key; requires mqtt-client-cert-path")

	fs.StringVar(&cfg.WebhookAdmissionExpr, "webhook-admission-expr", os.Getenv("WEBHOOK_ADMISSION_EXPR"), "optional CEL expression gating which webhook events are admitted")

	if err := fs.Parse(args); err != nil {
		return nil, otaflux.NewError(otaflux.ConfigError, err)
	}
	cfg.RepositoryPrefix = strings.TrimSuffix(cfg.RepositoryPrefix, "/")

	if err := validator.New().Struct(cfg); err != nil {
		return nil, otaflux.NewError(otaflux.ConfigError, err)
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
