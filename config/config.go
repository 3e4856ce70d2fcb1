package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"
)

// Config is the gateway configuration file.
type Config struct {
	Session      SessionConfig      `yaml:"session"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Security     SecurityConfig     `yaml:"security"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Broker       BrokerConfig       `yaml:"broker"`
	WebUI        WebUIConfig        `yaml:"webui"`
	Log          LogConfig          `yaml:"log"`
	// Nodes are subscribed when the gateway starts.
	Nodes []string `yaml:"nodes"`
}

type SessionConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Path               string `yaml:"path"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	ConnectTimeout     string `yaml:"connectTimeout"`
	SendReceiveTimeout string `yaml:"sendReceiveTimeout"`
	MaxReconnectDelay  string `yaml:"maxReconnectDelay"`
	WatchdogInterval   string `yaml:"watchdogInterval"`
}

type SubscriptionConfig struct {
	PublishingInterval string `yaml:"publishingInterval"`
}

type SecurityConfig struct {
	Mode     string `yaml:"mode"`
	Policy   string `yaml:"policy"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// MQTTConfig selects where notifications are published.
type MQTTConfig struct {
	Enabled bool `yaml:"enabled"`
	// Mode is "embedded" or "external".
	Mode          string `yaml:"mode"`
	Broker        string `yaml:"broker"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TopicPrefix   string `yaml:"topicPrefix"`
	PayloadFormat string `yaml:"payloadFormat"`
}

type BrokerConfig struct {
	Listeners []ListenerConfig `yaml:"listeners"`
	Auth      []AuthRule       `yaml:"auth"`
	// TLS listeners use this key pair, created on first use.
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type ListenerConfig struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`
	Address string `yaml:"address"`
	TLS     bool   `yaml:"tls"`
}

// AuthRule is one entry of the broker auth ledger.
type AuthRule struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Allow    bool   `yaml:"allow"`
}

type WebUIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// MaxEntries is the size of the in-memory log buffer.
	MaxEntries int `yaml:"maxEntries"`
}

const (
	ModeEmbedded = "embedded"
	ModeExternal = "external"
)

// Load reads a .env file if present, the YAML file at path, the environment
// overrides and the defaults, in that order, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document without defaults or validation.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{MQTT: MQTTConfig{Enabled: true}, WebUI: WebUIConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides single settings from OPCUA_*, MQTT_*, WEBUI_* and LOG_*
// variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"OPCUA_HOST":            &c.Session.Host,
		"OPCUA_PATH":            &c.Session.Path,
		"OPCUA_USERNAME":        &c.Session.Username,
		"OPCUA_PASSWORD":        &c.Session.Password,
		"OPCUA_SECURITY_MODE":   &c.Security.Mode,
		"OPCUA_SECURITY_POLICY": &c.Security.Policy,
		"OPCUA_CERT_FILE":       &c.Security.CertFile,
		"OPCUA_KEY_FILE":        &c.Security.KeyFile,
		"MQTT_MODE":             &c.MQTT.Mode,
		"MQTT_BROKER":           &c.MQTT.Broker,
		"MQTT_USERNAME":         &c.MQTT.Username,
		"MQTT_PASSWORD":         &c.MQTT.Password,
		"MQTT_TOPIC_PREFIX":     &c.MQTT.TopicPrefix,
		"MQTT_PAYLOAD_FORMAT":   &c.MQTT.PayloadFormat,
		"WEBUI_ADDRESS":         &c.WebUI.Address,
		"LOG_LEVEL":             &c.Log.Level,
		"LOG_FORMAT":            &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("OPCUA_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid OPCUA_PORT %q: %w", v, err)
		}
		c.Session.Port = port
	}
	bools := map[string]*bool{
		"MQTT_ENABLED":  &c.MQTT.Enabled,
		"WEBUI_ENABLED": &c.WebUI.Enabled,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = b
		}
	}
	if v, ok := lookup("OPCUA_NODES"); ok && v != "" {
		c.Nodes = strings.Split(v, ",")
	}
	return nil
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	setString(&c.Session.Host, "localhost")
	if c.Session.Port == 0 {
		c.Session.Port = 4840
	}
	setString(&c.Session.ConnectTimeout, "30s")
	setString(&c.Session.SendReceiveTimeout, "10s")
	setString(&c.Session.MaxReconnectDelay, "10s")
	setString(&c.Session.WatchdogInterval, "5s")
	setString(&c.Subscription.PublishingInterval, "500ms")
	setString(&c.Security.Mode, "None")
	setString(&c.Security.Policy, "None")

	setString(&c.MQTT.Mode, ModeEmbedded)
	setString(&c.MQTT.Broker, "tcp://localhost:1883")
	setString(&c.MQTT.TopicPrefix, "opcua-gateway")
	setString(&c.MQTT.PayloadFormat, "json")
	if len(c.Broker.Listeners) == 0 {
		c.Broker.Listeners = []ListenerConfig{{ID: "t1", Type: "tcp", Address: ":1883"}}
	}
	setString(&c.Broker.CertFile, "server.crt")
	setString(&c.Broker.KeyFile, "server.key")

	setString(&c.WebUI.Address, ":8080")
	setString(&c.Log.Level, "info")
	setString(&c.Log.Format, "text")
	if c.Log.MaxEntries <= 0 {
		c.Log.MaxEntries = 1000
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

// Validate checks enumerations and durations.
func (c *Config) Validate() error {
	var problems []string
	durations := map[string]string{
		"session.connectTimeout":          c.Session.ConnectTimeout,
		"session.sendReceiveTimeout":      c.Session.SendReceiveTimeout,
		"session.maxReconnectDelay":       c.Session.MaxReconnectDelay,
		"session.watchdogInterval":        c.Session.WatchdogInterval,
		"subscription.publishingInterval": c.Subscription.PublishingInterval,
	}
	for name, v := range durations {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("%s: invalid duration %q", name, v))
		}
	}
	if c.Session.Port < 0 || c.Session.Port > 65535 {
		problems = append(problems, fmt.Sprintf("session.port: %d out of range", c.Session.Port))
	}
	if !oneOf(c.Security.Mode, "None", "Sign", "SignAndEncrypt") {
		problems = append(problems, fmt.Sprintf("security.mode: unknown mode %q", c.Security.Mode))
	}
	if !oneOf(c.Security.Policy, "None", "Basic128Rsa15", "Basic256", "Basic256Sha256") {
		problems = append(problems, fmt.Sprintf("security.policy: unknown policy %q", c.Security.Policy))
	}
	if !oneOf(c.MQTT.Mode, ModeEmbedded, ModeExternal) {
		problems = append(problems, fmt.Sprintf("mqtt.mode: unknown mode %q", c.MQTT.Mode))
	}
	if !oneOf(c.MQTT.PayloadFormat, "json", "cbor") {
		problems = append(problems, fmt.Sprintf("mqtt.payloadFormat: unknown format %q", c.MQTT.PayloadFormat))
	}
	for _, l := range c.Broker.Listeners {
		if !oneOf(l.Type, "tcp", "websocket", "http") {
			problems = append(problems, fmt.Sprintf("broker.listeners[%s]: unknown type %q", l.ID, l.Type))
		}
	}
	if !oneOf(strings.ToLower(c.Log.Format), "text", "json") {
		problems = append(problems, fmt.Sprintf("log.format: unknown format %q", c.Log.Format))
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

func (s SessionConfig) GetConnectTimeout() time.Duration {
	return parseDuration(s.ConnectTimeout, 30*time.Second)
}

func (s SessionConfig) GetSendReceiveTimeout() time.Duration {
	return parseDuration(s.SendReceiveTimeout, 10*time.Second)
}

func (s SessionConfig) GetMaxReconnectDelay() time.Duration {
	return parseDuration(s.MaxReconnectDelay, 10*time.Second)
}

func (s SessionConfig) GetWatchdogInterval() time.Duration {
	return parseDuration(s.WatchdogInterval, 5*time.Second)
}

func (s SubscriptionConfig) GetPublishingInterval() time.Duration {
	return parseDuration(s.PublishingInterval, 500*time.Millisecond)
}

func parseDuration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
