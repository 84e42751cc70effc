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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Engine      EngineConfig     `yaml:"engine"`
	Worker      WorkerConfig     `yaml:"worker"`
	Surface     SurfaceConfig    `yaml:"surface"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// ResultRetentionMS keeps decode results in a JetStream stream for late
	// consumers. Zero disables the stream.
	ResultRetentionMS int `yaml:"result_retention_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxWorkers    int    `yaml:"max_workers"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EngineConfig selects the decoding engine backend and the model it is built from.
type EngineConfig struct {
	Mode     string `yaml:"mode"` // mock, exec, wasm
	Manifest string `yaml:"manifest"`
	Command  string `yaml:"command"`
	Module   string `yaml:"module"`
	AssetDir string `yaml:"asset_dir"`
}

type WorkerConfig struct {
	Enabled          bool `yaml:"enabled"`
	QueueDepth       int  `yaml:"queue_depth"`
	RequestTimeoutMS int  `yaml:"request_timeout_ms"`
	FetchTimeoutMS   int  `yaml:"fetch_timeout_ms"`
}

type SurfaceConfig struct {
	Enabled        bool     `yaml:"enabled"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ReplyTimeoutMS int      `yaml:"reply_timeout_ms"`
	// Model, when set, is the model a decoder must announce before
	// requests are accepted.
	Model string `yaml:"model"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,

			ResultRetentionMS: 24 * 60 * 60 * 1000,
		},
		Node: NodeConfig{
			ID:                "transcribe-node-1",
			Role:              "decoder",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "stt.decode"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/transcribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxWorkers:    1000,
		},
		Engine: EngineConfig{
			Mode: "mock",
		},
		Worker: WorkerConfig{
			Enabled:          true,
			QueueDepth:       16,
			RequestTimeoutMS: 300000,
			FetchTimeoutMS:   120000,
		},
		Surface: SurfaceConfig{
			Enabled:        true,
			MaxUploadBytes: 64 << 20,
			AllowedOrigins: []string{"*"},
			ReplyTimeoutMS: 310000,
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
	overrideString(&cfg.RuntimeName, "TRANSCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TRANSCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TRANSCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TRANSCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TRANSCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TRANSCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TRANSCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TRANSCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "TRANSCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TRANSCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "TRANSCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "TRANSCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TRANSCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TRANSCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TRANSCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TRANSCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TRANSCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.ResultRetentionMS, "TRANSCRIBE_BUS_RESULT_RETENTION_MS")
	overrideString(&cfg.Node.ID, "TRANSCRIBE_NODE_ID")
	overrideString(&cfg.Node.Role, "TRANSCRIBE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "TRANSCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "TRANSCRIBE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "TRANSCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "TRANSCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "TRANSCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxWorkers, "TRANSCRIBE_EVENT_STORE_MAX_WORKERS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "TRANSCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "TRANSCRIBE_ENGINE_MODE")
	overrideString(&cfg.Engine.Manifest, "TRANSCRIBE_ENGINE_MANIFEST")
	overrideString(&cfg.Engine.Command, "TRANSCRIBE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Module, "TRANSCRIBE_ENGINE_MODULE")
	overrideString(&cfg.Engine.AssetDir, "TRANSCRIBE_ENGINE_ASSET_DIR")
	overrideBool(&cfg.Worker.Enabled, "TRANSCRIBE_WORKER_ENABLED")
	overrideInt(&cfg.Worker.QueueDepth, "TRANSCRIBE_WORKER_QUEUE_DEPTH")
	overrideInt(&cfg.Worker.RequestTimeoutMS, "TRANSCRIBE_WORKER_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Worker.FetchTimeoutMS, "TRANSCRIBE_WORKER_FETCH_TIMEOUT_MS")
	overrideBool(&cfg.Surface.Enabled, "TRANSCRIBE_SURFACE_ENABLED")
	overrideInt64(&cfg.Surface.MaxUploadBytes, "TRANSCRIBE_SURFACE_MAX_UPLOAD_BYTES")
	overrideStringSlice(&cfg.Surface.AllowedOrigins, "TRANSCRIBE_SURFACE_ALLOWED_ORIGINS")
	overrideInt(&cfg.Surface.ReplyTimeoutMS, "TRANSCRIBE_SURFACE_REPLY_TIMEOUT_MS")
	overrideString(&cfg.Surface.Model, "TRANSCRIBE_SURFACE_MODEL")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bus.ResultRetentionMS < 0 {
		return errors.New("bus.result_retention_ms must be >= 0")
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
	switch cfg.Engine.Mode {
	case "mock", "exec", "wasm":
	default:
		return errors.New("engine.mode must be one of mock|exec|wasm")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Mode == "wasm" && cfg.Engine.Module == "" {
		return errors.New("engine.module must be set when mode=wasm")
	}
	if cfg.Worker.Enabled {
		if cfg.Worker.QueueDepth <= 0 {
			return errors.New("worker.queue_depth must be >= 1")
		}
		if cfg.Worker.RequestTimeoutMS <= 0 {
			return errors.New("worker.request_timeout_ms must be positive")
		}
		if cfg.Worker.FetchTimeoutMS < 0 {
			return errors.New("worker.fetch_timeout_ms must be >= 0")
		}
	}
	if cfg.Surface.Enabled {
		if cfg.Surface.MaxUploadBytes <= 0 {
			return errors.New("surface.max_upload_bytes must be positive")
		}
		if cfg.Surface.ReplyTimeoutMS <= 0 {
			return errors.New("surface.reply_timeout_ms must be positive")
		}
	}
	return nil
}
