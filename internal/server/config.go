package server

import (
	"net"
	"strconv"
	"time"
)

// Config holds the engine's HTTP listener configuration.
// Agents reach it for their session context, so it listens on all interfaces by default.
type Config struct {
	Host              string        `env:"HOST"`                // default: "0.0.0.0"
	Port              int           `env:"PORT"`                // default: 21920
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"` // default: 5s
}

func (c *Config) addr() string {
	return net.JoinHostPort(c.host(), strconv.Itoa(c.port()))
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "0.0.0.0"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 21920
	}
	return p
}

func (c *Config) readHeaderTimeout() time.Duration {
	d := c.ReadHeaderTimeout
	if d == 0 {
		d = 5 * time.Second
	}
	return d
}
