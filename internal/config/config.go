// Package config provides the configuration schema, loader, and agent
// profile registry for the Garbo phone agent.
package config

import "fmt"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// BackendKind selects the voice backend implementation.
type BackendKind string

const (
	// BackendRealtime uses the remote realtime speech API over WebSocket.
	BackendRealtime BackendKind = "realtime"

	// BackendLocal uses the local STT → LLM → TTS subprocess pipeline.
	BackendLocal BackendKind = "local"
)

// IsValid reports whether b is a recognised backend kind.
func (b BackendKind) IsValid() bool {
	return b == BackendRealtime || b == BackendLocal
}

// Config is the root configuration, typically loaded from YAML via [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Local     LocalConfig     `yaml:"local"`
	Assistant AssistantConfig `yaml:"assistant"`
	VoIP      VoIPConfig      `yaml:"voip"`
	Agents    []AgentProfile  `yaml:"agents"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Default info.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the optional Prometheus /metrics listen address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// TelephonyConfig describes the SIP side of the system.
type TelephonyConfig struct {
	// AudioSocket is the path of the full-duplex audio byte-stream socket.
	// The AUSOCK_PATH environment variable overrides it. Default
	// /tmp/ausock.sock.
	AudioSocket string `yaml:"audio_socket"`

	// ControlAddr is the TCP endpoint of the SIP control channel.
	ControlAddr string `yaml:"control_addr"`

	// SIPServer is the registrar/proxy host used to form dial URIs.
	SIPServer string `yaml:"sip_server"`

	// LockFile is the PID lock path enforcing one call per host.
	// Default /tmp/garbo-call.pid.
	LockFile string `yaml:"lock_file"`
}

// RealtimeConfig configures the realtime WebSocket backend.
type RealtimeConfig struct {
	// Model is the realtime model name.
	Model string `yaml:"model"`

	// BaseURL overrides the WebSocket endpoint. Mostly for tests.
	BaseURL string `yaml:"base_url"`
}

// LocalConfig configures the local subprocess pipeline backend.
type LocalConfig struct {
	// STTCommand launches the speech-to-text server, argv style.
	STTCommand []string `yaml:"stt_command"`

	// TTSCommand launches the text-to-speech server, argv style.
	TTSCommand []string `yaml:"tts_command"`

	// LLMModel is the chat model used for text generation.
	LLMModel string `yaml:"llm_model"`

	// LLMBaseURL overrides the chat-completions endpoint.
	LLMBaseURL string `yaml:"llm_base_url"`
}

// AssistantConfig configures the secondary chat gateway used for delegated
// requests.
type AssistantConfig struct {
	// BaseURL is the gateway's chat-completions endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the model name requested from the gateway.
	Model string `yaml:"model"`
}

// VoIPConfig configures the VoIP provider REST client.
type VoIPConfig struct {
	// BaseURL is the provider API root.
	BaseURL string `yaml:"base_url"`
}

// AgentProfile is a selectable persona: a name, a synthesis voice, and the
// system instructions defining how the agent behaves on a call.
type AgentProfile struct {
	Name         string `yaml:"name"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
}

// WithInstructions returns a copy of p whose instructions are replaced by
// override, prefixed with the profile's name so the persona survives the
// override. Name and voice are preserved.
func (p AgentProfile) WithInstructions(override string) AgentProfile {
	p.Instructions = fmt.Sprintf("Your name is %s. %s", p.Name, override)
	return p
}

// Agent returns the profile named name, or an error listing the known
// profiles.
func (c *Config) Agent(name string) (AgentProfile, error) {
	for _, p := range c.Agents {
		if p.Name == name {
			return p, nil
		}
	}
	known := make([]string, len(c.Agents))
	for i, p := range c.Agents {
		known[i] = p.Name
	}
	return AgentProfile{}, fmt.Errorf("config: unknown agent profile %q (known: %v)", name, known)
}
