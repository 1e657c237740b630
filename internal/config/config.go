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
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	Speech      SpeechConfig    `yaml:"speech"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	History     HistoryConfig   `yaml:"history"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig controls the ffmpeg-based normalizer.
type AudioConfig struct {
	FFmpegCommand string `yaml:"ffmpeg_command"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	MinOutputSize int    `yaml:"min_output_bytes"`
	TempDir       string `yaml:"temp_dir"`
}

// SpeechConfig selects the transcription backend. Project, location and model
// are opaque strings handed through to the provider, not validated locally.
type SpeechConfig struct {
	Mode           string   `yaml:"mode"` // mock, google
	Project        string   `yaml:"project"`
	Location       string   `yaml:"location"`
	Model          string   `yaml:"model"`
	LanguageCodes  []string `yaml:"language_codes"`
	TimeoutMS      int      `yaml:"timeout_ms"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryBackoffMS int      `yaml:"retry_backoff_ms"`
}

type LLMConfig struct {
	Mode         string  `yaml:"mode"` // mock, gemini
	APIKey       string  `yaml:"api_key"`
	Model        string  `yaml:"model"`
	Profile      string  `yaml:"profile"` // customer_service, lead_generation
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	TimeoutMS    int     `yaml:"timeout_ms"`
	HistoryTurns int     `yaml:"history_turns"`
}

type TTSConfig struct {
	Mode      string `yaml:"mode"` // mock, translate
	Endpoint  string `yaml:"endpoint"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type PipelineConfig struct {
	NormalizeTimeoutMS  int `yaml:"normalize_timeout_ms"`
	SynthesizeTimeoutMS int `yaml:"synthesize_timeout_ms"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "geebot-core",
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
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			FFmpegCommand: "ffmpeg",
			SampleRate:    16000,
			Channels:      1,
			TimeoutMS:     15000,
			MinOutputSize: 2000,
		},
		Speech: SpeechConfig{
			Mode:           "mock",
			Location:       "us",
			Model:          "chirp_3",
			LanguageCodes:  []string{"en-US"},
			TimeoutMS:      30000,
			MaxRetries:     2,
			RetryBackoffMS: 200,
		},
		LLM: LLMConfig{
			Mode:         "mock",
			Model:        "gemini-2.5-flash-lite",
			Profile:      "customer_service",
			Temperature:  0.7,
			MaxTokens:    200,
			TimeoutMS:    20000,
			HistoryTurns: 6,
		},
		TTS: TTSConfig{
			Mode:      "mock",
			Endpoint:  "https://translate.google.com/translate_tts",
			Language:  "en",
			TimeoutMS: 15000,
		},
		Pipeline: PipelineConfig{
			NormalizeTimeoutMS:  20000,
			SynthesizeTimeoutMS: 20000,
		},
		History: HistoryConfig{
			Path:          "./data/geebot-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "GEEBOT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "GEEBOT_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "GEEBOT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "GEEBOT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "GEEBOT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GEEBOT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GEEBOT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "GEEBOT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "GEEBOT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "GEEBOT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "GEEBOT_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "GEEBOT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "GEEBOT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "GEEBOT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "GEEBOT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "GEEBOT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "GEEBOT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.FFmpegCommand, "GEEBOT_AUDIO_FFMPEG_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "GEEBOT_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "GEEBOT_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.TimeoutMS, "GEEBOT_AUDIO_TIMEOUT_MS")
	overrideInt(&cfg.Audio.MinOutputSize, "GEEBOT_AUDIO_MIN_OUTPUT_BYTES")
	overrideString(&cfg.Audio.TempDir, "GEEBOT_AUDIO_TEMP_DIR")
	overrideString(&cfg.Speech.Mode, "GEEBOT_SPEECH_MODE")
	overrideString(&cfg.Speech.Project, "GEEBOT_SPEECH_PROJECT")
	overrideString(&cfg.Speech.Location, "GEEBOT_SPEECH_LOCATION")
	overrideString(&cfg.Speech.Model, "GEEBOT_SPEECH_MODEL")
	overrideStringSlice(&cfg.Speech.LanguageCodes, "GEEBOT_SPEECH_LANGUAGE_CODES")
	overrideInt(&cfg.Speech.TimeoutMS, "GEEBOT_SPEECH_TIMEOUT_MS")
	overrideInt(&cfg.Speech.MaxRetries, "GEEBOT_SPEECH_MAX_RETRIES")
	overrideInt(&cfg.Speech.RetryBackoffMS, "GEEBOT_SPEECH_RETRY_BACKOFF_MS")
	overrideString(&cfg.LLM.Mode, "GEEBOT_LLM_MODE")
	overrideString(&cfg.LLM.APIKey, "GEEBOT_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "GEEBOT_LLM_MODEL")
	overrideString(&cfg.LLM.Profile, "GEEBOT_LLM_PROFILE")
	overrideFloat(&cfg.LLM.Temperature, "GEEBOT_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.MaxTokens, "GEEBOT_LLM_MAX_TOKENS")
	overrideInt(&cfg.LLM.TimeoutMS, "GEEBOT_LLM_TIMEOUT_MS")
	overrideInt(&cfg.LLM.HistoryTurns, "GEEBOT_LLM_HISTORY_TURNS")
	overrideString(&cfg.TTS.Mode, "GEEBOT_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "GEEBOT_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Language, "GEEBOT_TTS_LANGUAGE")
	overrideInt(&cfg.TTS.TimeoutMS, "GEEBOT_TTS_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.NormalizeTimeoutMS, "GEEBOT_PIPELINE_NORMALIZE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.SynthesizeTimeoutMS, "GEEBOT_PIPELINE_SYNTHESIZE_TIMEOUT_MS")
	overrideString(&cfg.History.Path, "GEEBOT_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "GEEBOT_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "GEEBOT_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "GEEBOT_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "GEEBOT_HISTORY_VACUUM_ON_START")

	// Cloud Run and the Google SDKs populate these; honor them as fallbacks so
	// the daemon runs without any geebot-specific environment.
	if cfg.Speech.Project == "" {
		overrideString(&cfg.Speech.Project, "GOOGLE_CLOUD_PROJECT")
	}
	if cfg.Speech.Project == "" {
		overrideString(&cfg.Speech.Project, "GCP_PROJECT")
	}
	overrideString(&cfg.Speech.Location, "SPEECH_LOCATION")
	if cfg.LLM.APIKey == "" {
		overrideString(&cfg.LLM.APIKey, "GOOGLE_API_KEY")
	}
	overrideString(&cfg.LLM.Model, "LLM_MODEL")
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	if cfg.Audio.FFmpegCommand == "" {
		return errors.New("audio.ffmpeg_command must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.TimeoutMS <= 0 {
		return errors.New("audio.timeout_ms must be positive")
	}
	switch cfg.Speech.Mode {
	case "mock", "google":
	default:
		return errors.New("speech.mode must be one of mock|google")
	}
	if cfg.Speech.Mode == "google" {
		if cfg.Speech.Project == "" {
			return errors.New("speech.project must be set when mode=google")
		}
		if cfg.Speech.Location == "" {
			return errors.New("speech.location must be set when mode=google")
		}
	}
	if len(cfg.Speech.LanguageCodes) == 0 {
		return errors.New("speech.language_codes must not be empty")
	}
	if cfg.Speech.MaxRetries < 0 {
		return errors.New("speech.max_retries must be >= 0")
	}
	switch cfg.LLM.Mode {
	case "mock", "gemini":
	default:
		return errors.New("llm.mode must be one of mock|gemini")
	}
	if cfg.LLM.Mode == "gemini" {
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=gemini")
		}
		if cfg.LLM.Model == "" {
			return errors.New("llm.model must be set when mode=gemini")
		}
	}
	switch cfg.LLM.Profile {
	case "customer_service", "lead_generation":
	default:
		return errors.New("llm.profile must be one of customer_service|lead_generation")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.HistoryTurns < 0 {
		return errors.New("llm.history_turns must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "translate":
	default:
		return errors.New("tts.mode must be one of mock|translate")
	}
	if cfg.TTS.Mode == "translate" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=translate")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
