package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`

	// TraceSampleRatio is the share of root spans (one per speak job) kept.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	DataDir     string           `yaml:"data_dir"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Tempo       TempoConfig      `yaml:"tempo"`
	Remote      RemoteConfig     `yaml:"remote"`
	Router      RouterConfig     `yaml:"router"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// MaxPayload bounds one message on the embedded server. Audio chunks are
	// published whole, so it must fit the longest chunk at the slowest rate.
	MaxPayload int `yaml:"max_payload_bytes"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SynthesisConfig selects the backend and the defaults applied to speak
// requests that leave a setting unset.
type SynthesisConfig struct {
	Backend string      `yaml:"backend"` // embedded, remote
	Model   ModelConfig `yaml:"model"`
	Speak   SpeakConfig `yaml:"speak"`
}

type ModelConfig struct {
	Mode          string `yaml:"mode"` // mock, exec
	Command       string `yaml:"command"`
	ModelID       string `yaml:"model_id"`
	Dir           string `yaml:"dir"`
	SampleRate    int    `yaml:"sample_rate"`
	DefaultPreset string `yaml:"default_preset"`
	Warmup        bool   `yaml:"warmup"`
}

type SpeakConfig struct {
	VoiceID       string  `yaml:"voice_id"`
	Preset        string  `yaml:"preset"`
	Rate          float64 `yaml:"rate"`
	Pitch         float64 `yaml:"pitch"`
	Volume        float64 `yaml:"volume"`
	ChunkMaxChars int     `yaml:"chunk_max_chars"`
}

type TempoConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SoxPath      string `yaml:"sox_path"`
	ExtraArgs    string `yaml:"extra_args"`
	FrameSamples int    `yaml:"frame_samples"`
}

type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	LaunchCommand  string `yaml:"launch_command"`
	ReadyTimeoutMS int    `yaml:"ready_timeout_ms"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
}

type RouterConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DefaultVoice  string `yaml:"default_voice"`
	DefaultPreset string `yaml:"default_preset"`
	MaxTextChars  int    `yaml:"max_text_chars"`
}

func Default() Config {
	return Config{
		RuntimeName: "voicereader",
		Environment: "development",
		DataDir:     "./data",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			LogMaxSizeMB:     64,
			LogMaxBackups:    3,
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceSampleRatio: 1.0,
			PrometheusBind:   ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			MaxPayload:     8 << 20,
		},
		Node: NodeConfig{
			ID:                "voicereader-1",
			Role:              "reader",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicereader-jobs.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxJobs:       1000,
		},
		Synthesis: SynthesisConfig{
			Backend: "embedded",
			Model: ModelConfig{
				Mode:          "mock",
				ModelID:       "kyutai_pocket_tts",
				Dir:           "./models/kyutai",
				SampleRate:    24000,
				DefaultPreset: "alba",
				Warmup:        true,
			},
			Speak: SpeakConfig{
				VoiceID:       "0",
				Preset:        "alba",
				Rate:          1.0,
				Pitch:         1.0,
				Volume:        1.0,
				ChunkMaxChars: 200,
			},
		},
		Tempo: TempoConfig{
			Enabled: true,
		},
		Remote: RemoteConfig{
			BaseURL:        "http://127.0.0.1:8766",
			ReadyTimeoutMS: 60000,
			PollIntervalMS: 250,
			RequestTimeout: 10000,
		},
		Router: RouterConfig{
			Enabled:       true,
			DefaultVoice:  "0",
			DefaultPreset: "alba",
			MaxTextChars:  20000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICEREADER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEREADER_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.DataDir, "VOICEREADER_DATA_DIR")
	overrideString(&cfg.HTTP.Bind, "VOICEREADER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEREADER_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEREADER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "VOICEREADER_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEREADER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEREADER_TELEMETRY_OTLP_INSECURE")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "VOICEREADER_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEREADER_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOICEREADER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEREADER_BUS_PORT")
	overrideInt(&cfg.Bus.MaxPayload, "VOICEREADER_BUS_MAX_PAYLOAD_BYTES")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEREADER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEREADER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEREADER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEREADER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEREADER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEREADER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOICEREADER_NODE_ID")
	overrideString(&cfg.Node.Role, "VOICEREADER_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOICEREADER_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOICEREADER_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEREADER_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEREADER_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEREADER_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "VOICEREADER_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEREADER_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Synthesis.Backend, "VOICEREADER_SYNTHESIS_BACKEND")
	overrideString(&cfg.Synthesis.Model.Mode, "VOICEREADER_MODEL_MODE")
	overrideString(&cfg.Synthesis.Model.Command, "VOICEREADER_MODEL_COMMAND")
	overrideString(&cfg.Synthesis.Model.ModelID, "VOICEREADER_MODEL_ID")
	overrideString(&cfg.Synthesis.Model.Dir, "VOICEREADER_MODEL_DIR")
	overrideInt(&cfg.Synthesis.Model.SampleRate, "VOICEREADER_MODEL_SAMPLE_RATE")
	overrideString(&cfg.Synthesis.Model.DefaultPreset, "VOICEREADER_MODEL_DEFAULT_PRESET")
	overrideBool(&cfg.Synthesis.Model.Warmup, "VOICEREADER_MODEL_WARMUP")
	overrideString(&cfg.Synthesis.Speak.VoiceID, "VOICEREADER_SPEAK_VOICE_ID")
	overrideString(&cfg.Synthesis.Speak.Preset, "VOICEREADER_SPEAK_PRESET")
	overrideFloat(&cfg.Synthesis.Speak.Rate, "VOICEREADER_SPEAK_RATE")
	overrideFloat(&cfg.Synthesis.Speak.Pitch, "VOICEREADER_SPEAK_PITCH")
	overrideFloat(&cfg.Synthesis.Speak.Volume, "VOICEREADER_SPEAK_VOLUME")
	overrideInt(&cfg.Synthesis.Speak.ChunkMaxChars, "VOICEREADER_SPEAK_CHUNK_MAX_CHARS")
	overrideBool(&cfg.Tempo.Enabled, "VOICEREADER_TEMPO_ENABLED")
	overrideString(&cfg.Tempo.SoxPath, "VOICEREADER_SOX_PATH")
	overrideString(&cfg.Tempo.ExtraArgs, "VOICEREADER_TEMPO_EXTRA_ARGS")
	overrideInt(&cfg.Tempo.FrameSamples, "VOICEREADER_TEMPO_FRAME_SAMPLES")
	overrideString(&cfg.Remote.BaseURL, "VOICEREADER_REMOTE_BASE_URL")
	overrideString(&cfg.Remote.Token, "VOICEREADER_REMOTE_TOKEN")
	overrideString(&cfg.Remote.LaunchCommand, "VOICEREADER_REMOTE_LAUNCH_COMMAND")
	overrideInt(&cfg.Remote.ReadyTimeoutMS, "VOICEREADER_REMOTE_READY_TIMEOUT_MS")
	overrideInt(&cfg.Remote.PollIntervalMS, "VOICEREADER_REMOTE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Remote.RequestTimeout, "VOICEREADER_REMOTE_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Router.Enabled, "VOICEREADER_ROUTER_ENABLED")
	overrideString(&cfg.Router.DefaultVoice, "VOICEREADER_ROUTER_DEFAULT_VOICE")
	overrideString(&cfg.Router.DefaultPreset, "VOICEREADER_ROUTER_DEFAULT_PRESET")
	overrideInt(&cfg.Router.MaxTextChars, "VOICEREADER_ROUTER_MAX_TEXT_CHARS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.MaxPayload <= 0 || cfg.Bus.MaxPayload > 64<<20 {
			return errors.New("bus.max_payload_bytes must be between 1 and 64 MiB")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.Synthesis.Backend {
	case "embedded":
		switch cfg.Synthesis.Model.Mode {
		case "mock", "exec":
		default:
			return errors.New("synthesis.model.mode must be one of mock|exec")
		}
		if cfg.Synthesis.Model.Mode == "exec" && cfg.Synthesis.Model.Command == "" {
			return errors.New("synthesis.model.command must be set when mode=exec")
		}
		if cfg.Synthesis.Model.SampleRate <= 0 {
			return errors.New("synthesis.model.sample_rate must be positive")
		}
	case "remote":
		if cfg.Remote.BaseURL == "" {
			return errors.New("remote.base_url must be set when synthesis.backend=remote")
		}
		if cfg.Remote.PollIntervalMS <= 0 {
			return errors.New("remote.poll_interval_ms must be positive")
		}
	default:
		return errors.New("synthesis.backend must be one of embedded|remote")
	}
	speak := cfg.Synthesis.Speak
	if speak.Rate < 0.25 || speak.Rate > 4.0 {
		return errors.New("synthesis.speak.rate must be between 0.25 and 4.0")
	}
	if speak.Volume < 0 || speak.Volume > 2.0 {
		return errors.New("synthesis.speak.volume must be between 0 and 2")
	}
	if speak.ChunkMaxChars < 100 || speak.ChunkMaxChars > 2000 {
		return errors.New("synthesis.speak.chunk_max_chars must be between 100 and 2000")
	}
	if cfg.Tempo.FrameSamples < 0 {
		return errors.New("tempo.frame_samples must be >= 0")
	}
	if cfg.Router.Enabled && cfg.Router.MaxTextChars <= 0 {
		return errors.New("router.max_text_chars must be positive when the router is enabled")
	}
	return nil
}
