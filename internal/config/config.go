package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// PlaceholderAPIKey is the value shipped in the sample .env file.
const PlaceholderAPIKey = "your_openai_api_key_here"

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout" toml:"trace_stdout"`
	MetricsPath  string `yaml:"metrics_path" toml:"metrics_path"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind" toml:"bind"`
	Port           int    `yaml:"port" toml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" toml:"max_upload_bytes"`
}

type Config struct {
	ServiceName string           `yaml:"service_name" toml:"service_name"`
	Environment string           `yaml:"environment" toml:"environment"`
	HTTP        HTTPConfig       `yaml:"http" toml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Bus         BusConfig        `yaml:"bus" toml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store" toml:"event_store"`
	Storage     StorageConfig    `yaml:"storage" toml:"storage"`
	Credential  CredentialConfig `yaml:"credential" toml:"credential"`
	Story       StoryConfig      `yaml:"story" toml:"story"`
	Speech      SpeechConfig     `yaml:"speech" toml:"speech"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxRecords    int    `yaml:"max_records" toml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// StorageConfig locates the shared directory that holds uploads and audio.
type StorageConfig struct {
	UploadDir    string `yaml:"upload_dir" toml:"upload_dir"`
	PublicPrefix string `yaml:"public_prefix" toml:"public_prefix"`
}

// CredentialConfig carries the remote API key. It is normally supplied
// through OPENAI_API_KEY rather than a config file.
type CredentialConfig struct {
	APIKey string `yaml:"api_key" toml:"api_key"`
}

type StoryConfig struct {
	Endpoint       string `yaml:"endpoint" toml:"endpoint"`
	Model          string `yaml:"model" toml:"model"`
	MaxTokens      int    `yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt   string `yaml:"system_prompt" toml:"system_prompt"`
	UserPrompt     string `yaml:"user_prompt" toml:"user_prompt"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

type SpeechConfig struct {
	Endpoint       string `yaml:"endpoint" toml:"endpoint"`
	Model          string `yaml:"model" toml:"model"`
	Voice          string `yaml:"voice" toml:"voice"`
	ChunkSize      int    `yaml:"chunk_size" toml:"chunk_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

const (
	defaultSystemPrompt = "You are a creative writer that generates short stories or poems based on images. " +
		"Your stories should be evocative, thoughtful, and capture the essence of the image. " +
		"Occasionally write poems instead of prose. Keep responses to 150-200 words maximum."
	defaultUserPrompt = "Generate a creative short story or poem inspired by this image:"
)

func Default() Config {
	return Config{
		ServiceName: "storyteller",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           5000,
			MaxUploadBytes: 16 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/storyteller.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRecords:    10000,
		},
		Storage: StorageConfig{
			UploadDir:    "static/uploads",
			PublicPrefix: "/static/uploads",
		},
		Story: StoryConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o",
			MaxTokens:    500,
			SystemPrompt: defaultSystemPrompt,
			UserPrompt:   defaultUserPrompt,
		},
		Speech: SpeechConfig{
			Endpoint:  "https://api.openai.com/v1/audio/speech",
			Model:     "tts-1",
			Voice:     "nova",
			ChunkSize: 1024,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML or TOML file,
// the process environment and finally validates it. The API key is read here
// exactly once; callers pass the resulting value around.
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
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat %s: %w", f, err)
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "STORYTELLER_SERVICE_NAME")
	overrideString(&cfg.Environment, "STORYTELLER_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "STORYTELLER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "STORYTELLER_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "STORYTELLER_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "STORYTELLER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "STORYTELLER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "STORYTELLER_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "STORYTELLER_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.MetricsPath, "STORYTELLER_TELEMETRY_METRICS_PATH")
	overrideBool(&cfg.Bus.Enabled, "STORYTELLER_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "STORYTELLER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "STORYTELLER_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "STORYTELLER_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "STORYTELLER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "STORYTELLER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "STORYTELLER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "STORYTELLER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "STORYTELLER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "STORYTELLER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "STORYTELLER_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "STORYTELLER_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "STORYTELLER_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRecords, "STORYTELLER_EVENT_STORE_MAX_RECORDS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "STORYTELLER_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Storage.UploadDir, "STORYTELLER_STORAGE_UPLOAD_DIR")
	overrideString(&cfg.Storage.PublicPrefix, "STORYTELLER_STORAGE_PUBLIC_PREFIX")
	overrideString(&cfg.Credential.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.Story.Endpoint, "STORYTELLER_STORY_ENDPOINT")
	overrideString(&cfg.Story.Model, "STORYTELLER_STORY_MODEL")
	overrideInt(&cfg.Story.MaxTokens, "STORYTELLER_STORY_MAX_TOKENS")
	overrideInt(&cfg.Story.TimeoutSeconds, "STORYTELLER_STORY_TIMEOUT_SECONDS")
	overrideString(&cfg.Speech.Endpoint, "STORYTELLER_SPEECH_ENDPOINT")
	overrideString(&cfg.Speech.Model, "STORYTELLER_SPEECH_MODEL")
	overrideString(&cfg.Speech.Voice, "STORYTELLER_SPEECH_VOICE")
	overrideInt(&cfg.Speech.ChunkSize, "STORYTELLER_SPEECH_CHUNK_SIZE")
	overrideInt(&cfg.Speech.TimeoutSeconds, "STORYTELLER_SPEECH_TIMEOUT_SECONDS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxRecords < 0 {
		return errors.New("event_store.max_records must be >= 0")
	}
	if cfg.Storage.UploadDir == "" {
		return errors.New("storage.upload_dir must not be empty")
	}
	if !strings.HasPrefix(cfg.Storage.PublicPrefix, "/") {
		return errors.New("storage.public_prefix must start with /")
	}
	if cfg.Story.Endpoint == "" {
		return errors.New("story.endpoint must not be empty")
	}
	if cfg.Story.Model == "" {
		return errors.New("story.model must not be empty")
	}
	if cfg.Story.MaxTokens < 0 {
		return errors.New("story.max_tokens must be >= 0")
	}
	if cfg.Story.TimeoutSeconds < 0 {
		return errors.New("story.timeout_seconds must be >= 0")
	}
	if cfg.Speech.Endpoint == "" {
		return errors.New("speech.endpoint must not be empty")
	}
	if cfg.Speech.Model == "" || cfg.Speech.Voice == "" {
		return errors.New("speech.model and speech.voice must not be empty")
	}
	if cfg.Speech.ChunkSize <= 0 {
		return errors.New("speech.chunk_size must be positive")
	}
	if cfg.Speech.TimeoutSeconds < 0 {
		return errors.New("speech.timeout_seconds must be >= 0")
	}
	return nil
}
