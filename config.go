package upcall

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultServerPort is the agent's well-known port (0xdb), sent in
	// the CONNECT line.
	DefaultServerPort = 219
	// DefaultReconnectDelay is the fixed pause between reconnect
	// attempts.
	DefaultReconnectDelay = 10 * time.Millisecond
	// DefaultMaxReconnects caps reconnect attempts before the session
	// parks in ReconnectError.
	DefaultMaxReconnects = 500

	defaultReadBufferSize = 64
)

// Config tunes the handshake and the reconnect policy. A zero field falls
// back to its default, so the zero Config behaves like DefaultConfig().
type Config struct {
	// ServerPort is sent in the CONNECT line.
	ServerPort uint32 `yaml:"server_port"`
	// ReconnectDelay is the fixed pause before each reconnect attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// MaxReconnects is the attempt budget; once spent the session parks
	// in ReconnectError.
	MaxReconnects int `yaml:"max_reconnects"`
	// ReadBufferSize sizes the scratch buffer for the server greeting.
	ReadBufferSize int `yaml:"read_buffer_size"`
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ServerPort:     DefaultServerPort,
		ReconnectDelay: DefaultReconnectDelay,
		MaxReconnects:  DefaultMaxReconnects,
		ReadBufferSize: defaultReadBufferSize,
	}
}

// ParseConfig decodes a YAML document over the defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("upcall: parse config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UnmarshalYAML accepts Go duration strings ("10ms") for reconnect_delay.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		ServerPort     uint32 `yaml:"server_port"`
		ReconnectDelay string `yaml:"reconnect_delay"`
		MaxReconnects  int    `yaml:"max_reconnects"`
		ReadBufferSize int    `yaml:"read_buffer_size"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}

	c.ServerPort = r.ServerPort
	c.MaxReconnects = r.MaxReconnects
	c.ReadBufferSize = r.ReadBufferSize
	c.ReconnectDelay = 0
	if r.ReconnectDelay != "" {
		d, err := time.ParseDuration(r.ReconnectDelay)
		if err != nil {
			return fmt.Errorf("reconnect_delay: %w", err)
		}
		c.ReconnectDelay = d
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ServerPort == 0 {
		c.ServerPort = DefaultServerPort
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	return c
}

func (c Config) validate() error {
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("upcall: reconnect_delay %v is negative", c.ReconnectDelay)
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("upcall: max_reconnects %d is negative", c.MaxReconnects)
	}
	// The greeting check needs at least three bytes.
	if c.ReadBufferSize < 3 {
		return fmt.Errorf("upcall: read_buffer_size %d too small", c.ReadBufferSize)
	}
	return nil
}
