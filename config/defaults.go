package config

import "time"

// Default values matching the service as observed in the wild.
const (
	// DefaultListenIP binds on all interfaces so a hosts-file redirect of
	// the patch hostname reaches the tap.
	DefaultListenIP = "0.0.0.0"

	// DefaultPort is the patch service port, used for both listen and
	// upstream.
	DefaultPort = 6015

	// DefaultUpstreamHost is the patch service address. Resolving the
	// hostname locally would loop back to the tap once the hosts file is
	// redirected, so the default is the raw IP.
	DefaultUpstreamHost = "64.37.188.7"

	// DefaultTextLog is the human-readable capture file.
	DefaultTextLog = "patch_traffic.log"

	// DefaultBinaryLog is the replayable capture file.
	DefaultBinaryLog = "patch_traffic.bin"

	// DefaultDialTimeout bounds the upstream dial.
	DefaultDialTimeout = 10 * time.Second
)

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}
