package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ops-vsock/pkg/routing"
	"github.com/ops-vsock/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Client    ClientConfig    `yaml:"client"`
	Modules   ModulesConfig   `yaml:"modules"`
	Router    RouterConfig    `yaml:"router"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
}

// HubConfig hub configuration (listening, gossip and forwarding)
type HubConfig struct {
	BindAddr      string `yaml:"bind_addr"`      // Hub listening address (e.g. ":17878")
	AdvertiseAddr string `yaml:"advertise_addr"` // Address other hubs and clients use for this hub. Defaults to the bound address
	Peers         string `yaml:"peers"`          // Comma-separated list of hub addresses to seed the directory with
	ListenAddress string `yaml:"listen_address"` // Metrics listener address
	TelemetryPath string `yaml:"telemetry_path"` // Metrics path

	GossipInterval time.Duration `yaml:"gossip_interval"` // Period of the gossip sweep over all links
	ProbeInterval  time.Duration `yaml:"probe_interval"`  // Minimum spacing between two probes of the directory
	ProbeBurst     int           `yaml:"probe_burst"`     // Probes allowed back to back
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Dial + handshake timeout for hub-to-hub connections
	LinkTimeout    time.Duration `yaml:"link_timeout"`    // A link with no traffic for this long is closed
	DefaultHops    int           `yaml:"default_hops"`    // hopsLeft stamped on messages entering from a service link
	ProxyProtocol  bool          `yaml:"proxy_protocol"`  // Accept a HAProxy PROXY header on incoming connections
}

// ClientConfig virtual socket factory configuration
type ClientConfig struct {
	HubAddr        string        `yaml:"hub_addr"`        // Local hub for the service link (optional)
	BindAddr       string        `yaml:"bind_addr"`       // Direct listener address (e.g. "127.0.0.1:0")
	AdvertiseAddr  string        `yaml:"advertise_addr"`  // Machine address advertised to peers
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Default timeout for Connect when the caller passes none
	Backlog        int           `yaml:"backlog"`         // Default backlog for virtual server sockets
	Services       string        `yaml:"services"`        // Comma-separated name=vsockaddr bindings registered at startup
}

// ModulesConfig connection module chain configuration
type ModulesConfig struct {
	Order          []string      `yaml:"order"` // Module names in the order they are tried
	DirectTimeout  time.Duration `yaml:"direct_timeout"`
	ReverseTimeout time.Duration `yaml:"reverse_timeout"`
	RoutedTimeout  time.Duration `yaml:"routed_timeout"`
	Routers        string        `yaml:"routers"`        // Static comma-separated router addresses, used in addition to the directory
	RouterService  string        `yaml:"router_service"` // Property name routers advertise themselves under
}

// RouterConfig relay router configuration
type RouterConfig struct {
	Port           int           `yaml:"port"`            // Virtual port the router listens on
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Timeout for the second leg
}

// DiscoveryConfig etcd-backed hub discovery
type DiscoveryConfig struct {
	Endpoints string `yaml:"endpoints"` // Comma-separated etcd endpoints, empty disables discovery
	Prefix    string `yaml:"prefix"`
	TTL       int64  `yaml:"ttl"` // Lease TTL in seconds
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses yaml configuration and applies defaults and environment overrides.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Hub.BindAddr == "" {
		c.Hub.BindAddr = ":17878"
	}
	if c.Hub.ListenAddress == "" {
		c.Hub.ListenAddress = ":9090"
	}
	if c.Hub.TelemetryPath == "" {
		c.Hub.TelemetryPath = "/metrics"
	}
	if c.Hub.GossipInterval == 0 {
		c.Hub.GossipInterval = 2 * time.Second
	}
	if c.Hub.ProbeInterval == 0 {
		c.Hub.ProbeInterval = time.Second
	}
	if c.Hub.ProbeBurst == 0 {
		c.Hub.ProbeBurst = 1
	}
	if c.Hub.ConnectTimeout == 0 {
		c.Hub.ConnectTimeout = 5 * time.Second
	}
	if c.Hub.LinkTimeout == 0 {
		c.Hub.LinkTimeout = 30 * time.Second
	}
	if c.Hub.DefaultHops == 0 {
		c.Hub.DefaultHops = 5
	}

	if c.Client.BindAddr == "" {
		c.Client.BindAddr = ":0"
	}
	if c.Client.ConnectTimeout == 0 {
		c.Client.ConnectTimeout = 30 * time.Second
	}
	if c.Client.Backlog == 0 {
		c.Client.Backlog = 50
	}

	if len(c.Modules.Order) == 0 {
		c.Modules.Order = []string{"direct", "reverse", "routed"}
	}
	if c.Modules.DirectTimeout == 0 {
		c.Modules.DirectTimeout = 5 * time.Second
	}
	if c.Modules.ReverseTimeout == 0 {
		c.Modules.ReverseTimeout = 10 * time.Second
	}
	if c.Modules.RoutedTimeout == 0 {
		c.Modules.RoutedTimeout = 15 * time.Second
	}
	if c.Modules.RouterService == "" {
		c.Modules.RouterService = "router"
	}

	if c.Router.ConnectTimeout == 0 {
		c.Router.ConnectTimeout = 10 * time.Second
	}

	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = "/ops-vsock/hubs/"
	}
	if c.Discovery.TTL == 0 {
		c.Discovery.TTL = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// GetPeers returns the seed hub addresses, normalized to host:port
func (c *Config) GetPeers() []string {
	return routing.NormalizeHubAddrs(splitList(c.Hub.Peers), "127.0.0.1")
}

// GetRouters returns the statically configured router addresses
func (c *Config) GetRouters() []string {
	return splitList(c.Modules.Routers)
}

// GetDiscoveryEndpoints returns the etcd endpoints
func (c *Config) GetDiscoveryEndpoints() []string {
	return splitList(c.Discovery.Endpoints)
}

// GetServices returns the service bindings registered by the client at startup
func (c *Config) GetServices() []types.ServiceBinding {
	return routing.ParseServiceBindings(c.Client.Services)
}

// ModuleTimeout returns the configured timeout for a module, falling back to def
func (c *Config) ModuleTimeout(name string, def time.Duration) time.Duration {
	switch name {
	case "direct":
		return c.Modules.DirectTimeout
	case "reverse":
		return c.Modules.ReverseTimeout
	case "routed":
		return c.Modules.RoutedTimeout
	}
	return def
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("HUB_BIND_ADDR"); val != "" {
		c.Hub.BindAddr = val
	}
	if val := os.Getenv("HUB_ADVERTISE_ADDR"); val != "" {
		c.Hub.AdvertiseAddr = val
	}
	if val := os.Getenv("HUB_PEERS"); val != "" {
		c.Hub.Peers = val
	}
	if val := os.Getenv("HUB_LISTEN_ADDRESS"); val != "" {
		c.Hub.ListenAddress = val
	}
	if val := os.Getenv("HUB_TELEMETRY_PATH"); val != "" {
		c.Hub.TelemetryPath = val
	}
	envDuration("HUB_GOSSIP_INTERVAL", &c.Hub.GossipInterval)
	envDuration("HUB_PROBE_INTERVAL", &c.Hub.ProbeInterval)
	envDuration("HUB_CONNECT_TIMEOUT", &c.Hub.ConnectTimeout)
	envDuration("HUB_LINK_TIMEOUT", &c.Hub.LinkTimeout)
	envInt("HUB_DEFAULT_HOPS", &c.Hub.DefaultHops)
	if val := os.Getenv("HUB_PROXY_PROTOCOL"); val != "" {
		c.Hub.ProxyProtocol = val == "true" || val == "1"
	}

	if val := os.Getenv("CLIENT_HUB_ADDR"); val != "" {
		c.Client.HubAddr = val
	}
	if val := os.Getenv("CLIENT_BIND_ADDR"); val != "" {
		c.Client.BindAddr = val
	}
	if val := os.Getenv("CLIENT_ADVERTISE_ADDR"); val != "" {
		c.Client.AdvertiseAddr = val
	}
	if val := os.Getenv("CLIENT_SERVICES"); val != "" {
		c.Client.Services = val
	}
	envDuration("CLIENT_CONNECT_TIMEOUT", &c.Client.ConnectTimeout)

	if val := os.Getenv("MODULES_ORDER"); val != "" {
		c.Modules.Order = splitList(val)
	}
	if val := os.Getenv("MODULES_ROUTERS"); val != "" {
		c.Modules.Routers = val
	}

	envInt("ROUTER_PORT", &c.Router.Port)

	if val := os.Getenv("DISCOVERY_ENDPOINTS"); val != "" {
		c.Discovery.Endpoints = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}

func envDuration(key string, dst *time.Duration) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	if d, err := time.ParseDuration(val); err == nil {
		*dst = d
		return
	}
	// plain integers are seconds
	if i, err := strconv.Atoi(val); err == nil {
		*dst = time.Duration(i) * time.Second
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
