package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/diwise/sensor-fleet/domain"
	"github.com/diwise/sensor-fleet/internal/pkg/application/generator"
	"github.com/diwise/sensor-fleet/internal/pkg/application/payload"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var ErrConfiguration = errors.New("configuration error")

const (
	DefaultTLSPort       int           = 8883
	DefaultWebsocketPort int           = 443
	DefaultTickInterval  time.Duration = 500 * time.Millisecond
	DefaultSpike         float64       = 0.01
	DefaultQoS           byte          = 1
	DefaultStartDelay    time.Duration = 2 * time.Second
	DefaultShutdownGrace time.Duration = 5 * time.Second
)

const (
	ProxySOCKS5 string = "socks5"
	ProxyHTTP   string = "http"
)

// FleetConfig is loaded once at startup and shared read-only by every session.
type FleetConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Port            int    `yaml:"port"`
	RootCAPath      string `yaml:"rootCAPath"`
	CertificatePath string `yaml:"certificatePath"`
	PrivateKeyPath  string `yaml:"privateKeyPath"`
	UseWebsocket    bool   `yaml:"useWebsocket"`
	Token           string `yaml:"token"`

	ClientIDs    []string    `yaml:"clientIdList"`
	Topic        string      `yaml:"topic"`
	NumOfSensors int         `yaml:"numOfSensors"`
	Mode         domain.Mode `yaml:"mode"`

	UseProxy  bool   `yaml:"useProxy"`
	ProxyAddr string `yaml:"proxyAddr"`
	ProxyPort int    `yaml:"proxyPort"`
	ProxyType string `yaml:"proxyType"`

	TickInterval     time.Duration  `yaml:"tickInterval"`
	SpikeProbability *float64       `yaml:"spikeProbability"`
	QoS              *byte          `yaml:"qos"`
	StartDelay       *time.Duration `yaml:"startDelay"`
	ShutdownGrace    time.Duration  `yaml:"shutdownGrace"`
	PayloadFormat    string         `yaml:"payloadFormat"`
	Generator        string         `yaml:"generator"`

	HTTPPort         string `yaml:"httpPort"`
	ContextBrokerURL string `yaml:"contextBrokerUrl"`
}

// Override changes a loaded setting before defaults and validation are applied.
type Override func(*FleetConfig)

// WithMode replaces the configured mode unless m is empty.
func WithMode(m domain.Mode) Override {
	return func(c *FleetConfig) {
		if m != "" {
			c.Mode = m
		}
	}
}

// Load reads the settings file, applies environment overrides, then the given
// overrides, then defaults, and validates the result. Any returned error wraps
// ErrConfiguration.
func Load(logger zerolog.Logger, path string, overrides ...Override) (*FleetConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %s", ErrConfiguration, path, err.Error())
	}

	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	cfg.Endpoint = env.GetVariableOrDefault(logger, "MQTT_ENDPOINT", cfg.Endpoint)
	cfg.Token = env.GetVariableOrDefault(logger, "MQTT_TOKEN", cfg.Token)
	cfg.Mode = domain.Mode(env.GetVariableOrDefault(logger, "SENSOR_FLEET_MODE", string(cfg.Mode)))
	cfg.HTTPPort = env.GetVariableOrDefault(logger, "SERVICE_PORT", cfg.HTTPPort)
	cfg.ContextBrokerURL = env.GetVariableOrDefault(logger, "CONTEXT_BROKER_URL", cfg.ContextBrokerURL)

	for _, override := range overrides {
		override(cfg)
	}

	return cfg, cfg.Finalize()
}

func Parse(raw []byte) (*FleetConfig, error) {
	var cfg FleetConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse settings: %s", ErrConfiguration, err.Error())
	}
	return &cfg, nil
}

// Finalize applies defaults and validates. It must be called before the config is
// handed to the fleet.
func (c *FleetConfig) Finalize() error {
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrConfiguration, err.Error())
	}
	return nil
}

func (c *FleetConfig) applyDefaults() {
	if c.Port == 0 {
		if c.UseWebsocket {
			c.Port = DefaultWebsocketPort
		} else {
			c.Port = DefaultTLSPort
		}
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SpikeProbability == nil {
		p := DefaultSpike
		c.SpikeProbability = &p
	}
	if c.QoS == nil {
		q := DefaultQoS
		c.QoS = &q
	}
	if c.StartDelay == nil {
		d := DefaultStartDelay
		c.StartDelay = &d
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.PayloadFormat == "" {
		c.PayloadFormat = payload.FormatJSON
	}
	if c.Generator == "" {
		c.Generator = generator.KindARIMA111
	}

	// legacy settings files use numeric proxy types, 2 for socks5 and 3 for http
	switch c.ProxyType {
	case "2":
		c.ProxyType = ProxySOCKS5
	case "3":
		c.ProxyType = ProxyHTTP
	}
}

func (c *FleetConfig) validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("unknown mode %q, must be one of [%s %s %s]", c.Mode, domain.ModeBoth, domain.ModePublish, domain.ModeSubscribe)
	}

	hasCert := c.CertificatePath != "" && c.PrivateKeyPath != ""
	if c.UseWebsocket && (c.CertificatePath != "" || c.PrivateKeyPath != "") {
		return errors.New("X.509 cert authentication and websocket are mutually exclusive, pick one")
	}
	if !c.UseWebsocket && !hasCert {
		return errors.New("missing credentials for authentication, both certificatePath and privateKeyPath are required")
	}
	if c.UseWebsocket && c.Token == "" {
		return errors.New("missing credentials for authentication, websocket transport requires a token")
	}

	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if len(c.ClientIDs) == 0 {
		return errors.New("clientIdList must not be empty")
	}
	seen := map[string]struct{}{}
	for _, id := range c.ClientIDs {
		if id == "" {
			return errors.New("clientIdList must not contain empty ids")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate client id %q", id)
		}
		seen[id] = struct{}{}
	}
	if c.NumOfSensors <= 0 {
		return errors.New("number of sensors must be positive")
	}

	if c.TickInterval < 0 {
		return errors.New("tickInterval must be positive")
	}
	if p := *c.SpikeProbability; p < 0 || p > 1 {
		return fmt.Errorf("spikeProbability %v must be within [0,1]", p)
	}
	if *c.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", *c.QoS)
	}
	if *c.StartDelay < 0 {
		return errors.New("startDelay must not be negative")
	}
	if c.PayloadFormat != payload.FormatJSON && c.PayloadFormat != payload.FormatSenML {
		return fmt.Errorf("unknown payloadFormat %q", c.PayloadFormat)
	}
	if !generator.Valid(c.Generator) {
		return fmt.Errorf("unknown generator %q", c.Generator)
	}

	if c.UseProxy {
		if c.ProxyAddr == "" || c.ProxyPort <= 0 {
			return errors.New("proxyAddr and proxyPort are required when useProxy is set")
		}
		if c.ProxyType != ProxySOCKS5 && c.ProxyType != ProxyHTTP {
			return fmt.Errorf("unknown proxyType %q, must be %s or %s", c.ProxyType, ProxySOCKS5, ProxyHTTP)
		}
	}

	return nil
}

func (c *FleetConfig) ProxyAddress() string {
	return c.ProxyAddr + ":" + strconv.Itoa(c.ProxyPort)
}

func (c *FleetConfig) Spike() float64 {
	return *c.SpikeProbability
}

func (c *FleetConfig) DeliveryQoS() byte {
	return *c.QoS
}

func (c *FleetConfig) SettleDelay() time.Duration {
	return *c.StartDelay
}
