// Package serverconfig defines kvserver's configuration: a struct of
// typed fields with sensible defaults, overridable by a TOML file and
// then by command-line flags, in that order.
package serverconfig

import (
	"io/ioutil"

	"github.com/naoina/toml"
)

const (
	// DefaultListenAddr is the default bind address.
	DefaultListenAddr = "0.0.0.0"
	// DefaultPort is the default listening port, matching the original
	// implementation's hardcoded port.
	DefaultPort = 3000
)

// Config holds every tunable ambient setting of the server: where to
// listen, how to log, and whether to export metrics. It never names a
// data directory for the keyspace itself, since the keyspace is
// memory-only by design.
type Config struct {
	ListenAddr string
	Port       int
	LogLevel   string

	MetricsEnabled  bool
	MetricsHTTPAddr string

	InfluxDBEnabled  bool
	InfluxDBEndpoint string
	InfluxDBDatabase string
	InfluxDBUsername string
	InfluxDBPassword string

	TracingEnabled        bool
	TracingJaegerEndpoint string
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		ListenAddr:      DefaultListenAddr,
		Port:            DefaultPort,
		LogLevel:        "info",
		MetricsEnabled:  false,
		MetricsHTTPAddr: "127.0.0.1:6060",
	}
}

// LoadTOML overlays the fields present in the TOML file at path onto c.
// Fields absent from the file are left at their current value.
func (c *Config) LoadTOML(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	return toml.Unmarshal(data, c)
}
