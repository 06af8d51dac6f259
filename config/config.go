package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	EnvPrefix = "PATCHTAP_"
)

// Capture log-write failure policies.
const (
	// OnErrorHalt closes a session when its capture write fails, so the
	// relay never outlives the record of what it relayed.
	OnErrorHalt = "halt"
	// OnErrorIgnore logs the failure and keeps relaying without capture.
	OnErrorIgnore = "ignore"
)

type Listen struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

func (l Listen) GetIP() (net.IP, error) {
	ip := net.ParseIP(l.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", l.IP)
	}
	return ip, nil
}

func (l Listen) Addr() string {
	return net.JoinHostPort(l.IP, strconv.Itoa(l.Port))
}

// Upstream is the real patch service the tap forwards to.
type Upstream struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (u Upstream) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Capture configures the sink files. A nil Enabled means enabled.
type Capture struct {
	Enabled   *bool  `yaml:"enabled"`
	TextLog   string `yaml:"text_log"`
	BinaryLog string `yaml:"binary_log"`
	// IndexLog is an optional NDJSON index of captured frames; empty
	// disables it.
	IndexLog string `yaml:"index_log"`
	// OnError is the log-write failure policy: "halt" or "ignore".
	OnError string `yaml:"on_error"`
}

func (c Capture) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c Capture) HaltOnError() bool {
	return c.OnError != OnErrorIgnore
}

// Config is the full proxy configuration.
type Config struct {
	Listen   Listen   `yaml:"listen"`
	Upstream Upstream `yaml:"upstream"`
	Capture  Capture  `yaml:"capture"`
	// IdleTimeout closes a session after a direction is silent for this
	// long; zero disables the timeout. The protocol's true idle behavior
	// is unknown, so the default is no timeout.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ApplyDefaults fills zero-valued fields with the defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.IP == "" {
		c.Listen.IP = DefaultListenIP
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Upstream.Host == "" {
		c.Upstream.Host = DefaultUpstreamHost
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = DefaultPort
	}
	if c.Capture.TextLog == "" {
		c.Capture.TextLog = DefaultTextLog
	}
	if c.Capture.BinaryLog == "" {
		c.Capture.BinaryLog = DefaultBinaryLog
	}
	if c.Capture.OnError == "" {
		c.Capture.OnError = OnErrorHalt
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if _, err := c.Listen.GetIP(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen: invalid port %d", c.Listen.Port)
	}
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream: host must not be empty")
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream: invalid port %d", c.Upstream.Port)
	}
	if c.Capture.OnError != OnErrorHalt && c.Capture.OnError != OnErrorIgnore {
		return fmt.Errorf("capture: on_error must be %q or %q, got %q",
			OnErrorHalt, OnErrorIgnore, c.Capture.OnError)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout must not be negative")
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("dial_timeout must not be negative")
	}
	return nil
}
