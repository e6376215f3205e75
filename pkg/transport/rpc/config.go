package rpc

import (
	"errors"
	"fmt"
	"time"
)

const (
	// default interval between two membership probes
	defaultProbeInterval = time.Second
	// default dial and call timeout, in seconds
	defaultConnectTimeout = 3
)

type Config struct {
	// Peers maps the node id of every other member to its rpc address (host:port).
	Peers map[string]string `json:"peers"`
	// ProbeInterval is the interval between two liveness probes of the peers.
	ProbeInterval time.Duration `json:"probe_interval"`

	// ServerCA defines the set of root certificate authorities
	// that servers use if required to verify a client certificate
	// by the policy in ClientAuth.
	ServerCAs        []string `json:"server_cas"`
	ServerKey        string   `json:"server_key"`
	ServerCert       string   `json:"server_cert"`
	ServerSkipVerify bool     `json:"server_skip_verify"`

	// ClientCAs defines the set of root certificate authorities
	// that clients use when verifying server certificates.
	// If ClientCAs is nil, TLS uses the host's root CA set.
	ClientCAs        []string `json:"client_cas"`
	ClientCert       string   `json:"client_cert"`
	ClientKey        string   `json:"client_key"`
	ClientSkipVerify bool     `json:"client_skip_verify"`
	// ConnectTimeout is the maximum amount of time a dial or a call to a peer
	// will wait, in seconds.
	ConnectTimeout uint `json:"connect_timeout"`
}

func (c *Config) Validate() error {
	for id, addr := range c.Peers {
		if id == "" {
			return errors.New("peer with empty node id")
		}
		if addr == "" {
			return fmt.Errorf("no address configured for peer %s", id)
		}
	}
	if c.ProbeInterval < 0 {
		return errors.New("probe interval must not be negative")
	}

	cfgCount := 0
	if c.ServerKey != "" {
		cfgCount++
	}
	if c.ServerCert != "" {
		cfgCount++
	}

	if cfgCount == 1 {
		return errors.New("incomplete server certificate configuration")
	}

	// if the server uses TLS, and not skip verification, we need to have server CAs
	if cfgCount == 2 && !c.ServerSkipVerify {
		if len(c.ServerCAs) == 0 {
			return errors.New("no server CAs configured")
		}
	}

	cfgCount = 0
	if c.ClientKey != "" {
		cfgCount++
	}
	if c.ClientCert != "" {
		cfgCount++
	}

	if cfgCount == 1 {
		return errors.New("incomplete client certificate configuration")
	}

	// if the client uses TLS, and not skip verification, we need to have client CAs
	if cfgCount == 2 && !c.ClientSkipVerify {
		if len(c.ClientCAs) == 0 {
			return errors.New("no client CAs configured")
		}
	}

	return nil
}

func (c *Config) probeInterval() time.Duration {
	if c.ProbeInterval == 0 {
		return defaultProbeInterval
	}
	return c.ProbeInterval
}

func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout == 0 {
		return defaultConnectTimeout * time.Second
	}
	return time.Duration(c.ConnectTimeout) * time.Second
}
