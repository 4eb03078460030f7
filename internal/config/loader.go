package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the file leaves a field empty.
const (
	DefaultAudioSocket = "/tmp/ausock.sock"
	DefaultControlAddr = "127.0.0.1:4444"
	DefaultLockFile    = "/tmp/garbo-call.pid"
	DefaultRealtime    = "gpt-realtime"
)

// Load reads and validates the configuration at path. Unknown YAML fields
// are rejected so typos surface at startup instead of silently defaulting.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Telephony.AudioSocket == "" {
		c.Telephony.AudioSocket = DefaultAudioSocket
	}
	if v := os.Getenv("AUSOCK_PATH"); v != "" {
		c.Telephony.AudioSocket = v
	}
	if c.Telephony.ControlAddr == "" {
		c.Telephony.ControlAddr = DefaultControlAddr
	}
	if c.Telephony.LockFile == "" {
		c.Telephony.LockFile = DefaultLockFile
	}
	if c.Realtime.Model == "" {
		c.Realtime.Model = DefaultRealtime
	}
}

// Validate checks cross-field consistency. Called by [Parse]; exported for
// configurations built in code.
func (c *Config) Validate() error {
	if !c.Server.LogLevel.IsValid() {
		return fmt.Errorf("config: invalid log level %q", c.Server.LogLevel)
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for i, p := range c.Agents {
		if p.Name == "" {
			return fmt.Errorf("config: agents[%d]: name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("config: duplicate agent profile %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Instructions == "" {
			return fmt.Errorf("config: agent %q: instructions are required", p.Name)
		}
	}
	return nil
}
