package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	defaultGroup           = "lobby"
	defaultTransportHost   = "127.0.0.1"
	defaultTransportPort   = 4803
	defaultHTTPAddress     = ":8081"
	defaultAdvertiseHost   = "127.0.0.1"
	defaultProbeInterval   = 500 * time.Millisecond
	defaultConnectTimeout  = 5 * time.Second
	defaultNotifyTimeout   = 5 * time.Second
	defaultCallBackTimeout = 5 * time.Second
)

// Config represents the lobby node config
type Config struct {
	// NodeID is the logical id of this node, the smallest id of the membership is the master
	NodeID string `json:"node_id" mapstructure:"node_id"`
	// Group is the name of the group all lobby nodes join
	Group string `json:"group" mapstructure:"group"`
	// TransportHost is the host the group transport binds to
	TransportHost string `json:"transport_host" mapstructure:"transport_host"`
	// TransportPort is the port the group transport binds to
	TransportPort int `json:"transport_port" mapstructure:"transport_port"`
	// Peers maps the node id of every group member to its transport address
	Peers map[string]string `json:"peers" mapstructure:"peers"`
	// HTTPAddress is the listen address of the request handler
	HTTPAddress string `json:"http_address" mapstructure:"http_address"`
	// AdvertiseHost completes node table entries that only carry a port
	AdvertiseHost string `json:"advertise_host" mapstructure:"advertise_host"`
	// Nodes maps every node id to its externally reachable request handler address
	Nodes map[string]string `json:"nodes" mapstructure:"nodes"`
	// ProbeInterval is the interval of the transport membership probe
	ProbeInterval time.Duration `json:"probe_interval" mapstructure:"probe_interval"`
	// ConnectTimeout is the dial timeout of the transport
	ConnectTimeout time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	// NotifyTimeout bounds one start notification call
	NotifyTimeout time.Duration `json:"notify_timeout" mapstructure:"notify_timeout"`
	// CallBackTimeout bounds one role callback
	CallBackTimeout time.Duration `json:"callback_timeout" mapstructure:"callback_timeout"`
	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level" mapstructure:"log_level"`
	// LogFormat is text or json
	LogFormat string `json:"log_format" mapstructure:"log_format"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		Group:           defaultGroup,
		TransportHost:   defaultTransportHost,
		TransportPort:   defaultTransportPort,
		Peers:           map[string]string{},
		HTTPAddress:     defaultHTTPAddress,
		AdvertiseHost:   defaultAdvertiseHost,
		Nodes:           map[string]string{},
		ProbeInterval:   defaultProbeInterval,
		ConnectTimeout:  defaultConnectTimeout,
		NotifyTimeout:   defaultNotifyTimeout,
		CallBackTimeout: defaultCallBackTimeout,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads a JSON config file on top of the defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := Decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode decodes a generic map into cfg. Durations may be strings like "500ms" and
// tables may use the compact form "node1:8081,node2:8082".
func Decode(raw map[string]any, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			tableHook,
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

func tableHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t != reflect.TypeOf(map[string]string{}) {
		return data, nil
	}
	return ParseTable(data.(string))
}

// ParseTable parses "node1:8081,node2=10.0.0.2:8082" into a node id to address table.
// "id:port" entries keep only the port (":8081"), "id=host:port" entries keep the address.
func ParseTable(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		var id, addr string
		if i := strings.Index(part, "="); i >= 0 {
			id, addr = strings.TrimSpace(part[:i]), strings.TrimSpace(part[i+1:])
		} else if i := strings.Index(part, ":"); i >= 0 {
			id, addr = strings.TrimSpace(part[:i]), ":"+strings.TrimSpace(part[i+1:])
		}
		if id == "" || addr == "" || addr == ":" {
			return nil, fmt.Errorf("invalid table entry %q", part)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("duplicate table entry for %q", id)
		}
		out[id] = addr
	}
	return out, nil
}

// NodeAddresses returns the node table with port-only entries completed by AdvertiseHost.
func (c *Config) NodeAddresses() map[string]string {
	return completeTable(c.Nodes, c.AdvertiseHost)
}

// PeerAddresses returns the transport peers with port-only entries completed by AdvertiseHost.
func (c *Config) PeerAddresses() map[string]string {
	return completeTable(c.Peers, c.AdvertiseHost)
}

func completeTable(table map[string]string, host string) map[string]string {
	out := make(map[string]string, len(table))
	for id, addr := range table {
		if strings.HasPrefix(addr, ":") {
			addr = net.JoinHostPort(host, strings.TrimPrefix(addr, ":"))
		}
		out[id] = addr
	}
	return out
}

// Validate checks the config is usable for a node.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	if c.Group == "" {
		return errors.New("group is required")
	}
	if c.TransportPort <= 0 || c.TransportPort > 65535 {
		return fmt.Errorf("invalid transport port %d", c.TransportPort)
	}
	if c.HTTPAddress == "" {
		return errors.New("http address is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("node table is empty")
	}
	if _, ok := c.Nodes[c.NodeID]; !ok {
		return fmt.Errorf("node %s is missing from the node table", c.NodeID)
	}
	if c.ProbeInterval <= 0 {
		return errors.New("probe interval must be positive")
	}
	return nil
}
