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

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type SessionConfig struct {
	MaxActive        int    `yaml:"max_active"`
	IdleTimeoutMS    int    `yaml:"idle_timeout_ms"`
	HistoryWindow    int    `yaml:"history_window"`
	SystemPrompt     string `yaml:"system_prompt"`
	NativeLanguage   string `yaml:"native_language"`
	CaptureTimeoutMS int    `yaml:"capture_timeout_ms"`
}

// VADConfig holds the empirically tuned voice activity thresholds.
type VADConfig struct {
	EnergyThreshold   float64 `yaml:"energy_threshold"`
	MinVoicedMS       int     `yaml:"min_voiced_ms"`
	TrailingSilenceMS int     `yaml:"trailing_silence_ms"`
	MinRecordingMS    int     `yaml:"min_recording_ms"`
	MaxRecordingMS    int     `yaml:"max_recording_ms"`
	MaxWaitVoiceMS    int     `yaml:"max_wait_voice_ms"`
}

type STTConfig struct {
	Strategy         string  `yaml:"strategy"` // stream | upload | mock
	Command          string  `yaml:"command"`
	ModelPath        string  `yaml:"model_path"`
	Language         string  `yaml:"language"`
	UploadEndpoint   string  `yaml:"upload_endpoint"`
	UploadAPIKey     string  `yaml:"upload_api_key"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	MinConfidence    float64 `yaml:"min_confidence"`
	PublishInterim   bool    `yaml:"publish_interim"`
}

type LLMProviderConfig struct {
	Name     string `yaml:"name"`
	Mode     string `yaml:"mode"` // ollama | openai | exec | mock
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Command  string `yaml:"command"`
}

type LLMConfig struct {
	Providers        []LLMProviderConfig `yaml:"providers"`
	MaxTokens        int                 `yaml:"max_tokens"`
	Temperature      float64             `yaml:"temperature"`
	CallTimeoutMS    int                 `yaml:"call_timeout_ms"`
	OverallTimeoutMS int                 `yaml:"overall_timeout_ms"`
	Corrections      bool                `yaml:"corrections"`
}

type TTSConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"` // exec | http | mock
	Command          string `yaml:"command"`
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	Voice            string `yaml:"voice"`
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type LessonConfig struct {
	StorePath     string `yaml:"store_path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxAttempts   int    `yaml:"max_attempts"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PronunciationConfig struct {
	MinAudioMS int `yaml:"min_audio_ms"`
}

type DeviceConfig struct {
	HeartbeatTimeoutMS int `yaml:"heartbeat_timeout_ms"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Sessions      SessionConfig       `yaml:"sessions"`
	VAD           VADConfig           `yaml:"vad"`
	STT           STTConfig           `yaml:"stt"`
	LLM           LLMConfig           `yaml:"llm"`
	TTS           TTSConfig           `yaml:"tts"`
	Lessons       LessonConfig        `yaml:"lessons"`
	Pronunciation PronunciationConfig `yaml:"pronunciation"`
	Devices       DeviceConfig        `yaml:"devices"`
}

func Default() Config {
	return Config{
		RuntimeName: "parlo-runtime",
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
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Sessions: SessionConfig{
			MaxActive:        256,
			IdleTimeoutMS:    15 * 60 * 1000,
			HistoryWindow:    12,
			SystemPrompt:     "You are a friendly language tutor. Keep replies short and spoken in register. Gently correct mistakes.",
			NativeLanguage:   "en",
			CaptureTimeoutMS: 2000,
		},
		VAD: VADConfig{
			EnergyThreshold:   550,
			MinVoicedMS:       200,
			TrailingSilenceMS: 900,
			MinRecordingMS:    600,
			MaxRecordingMS:    30000,
			MaxWaitVoiceMS:    8000,
		},
		STT: STTConfig{
			Strategy:         "mock",
			Language:         "en",
			RequestTimeoutMS: 30000,
			MinConfidence:    0.35,
			PublishInterim:   true,
		},
		LLM: LLMConfig{
			Providers: []LLMProviderConfig{
				{Name: "primary", Mode: "mock"},
			},
			MaxTokens:        192,
			Temperature:      0.7,
			CallTimeoutMS:    20000,
			OverallTimeoutMS: 45000,
			Corrections:      true,
		},
		TTS: TTSConfig{
			Enabled:          true,
			Mode:             "mock",
			Voice:            "en-US",
			SampleRate:       22050,
			Channels:         1,
			RequestTimeoutMS: 30000,
		},
		Lessons: LessonConfig{
			StorePath:     "./data/parlo-lessons.db",
			RetentionDays: 365,
			MaxAttempts:   10000,
		},
		Pronunciation: PronunciationConfig{
			MinAudioMS: 300,
		},
		Devices: DeviceConfig{
			HeartbeatTimeoutMS: 6000,
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
	overrideString(&cfg.RuntimeName, "PARLO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PARLO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PARLO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PARLO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PARLO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PARLO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PARLO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "PARLO_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "PARLO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PARLO_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "PARLO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PARLO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PARLO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PARLO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PARLO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PARLO_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Sessions.MaxActive, "PARLO_SESSIONS_MAX_ACTIVE")
	overrideInt(&cfg.Sessions.IdleTimeoutMS, "PARLO_SESSIONS_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Sessions.HistoryWindow, "PARLO_SESSIONS_HISTORY_WINDOW")
	overrideString(&cfg.Sessions.SystemPrompt, "PARLO_SESSIONS_SYSTEM_PROMPT")
	overrideString(&cfg.Sessions.NativeLanguage, "PARLO_SESSIONS_NATIVE_LANGUAGE")
	overrideInt(&cfg.Sessions.CaptureTimeoutMS, "PARLO_SESSIONS_CAPTURE_TIMEOUT_MS")
	overrideFloat(&cfg.VAD.EnergyThreshold, "PARLO_VAD_ENERGY_THRESHOLD")
	overrideInt(&cfg.VAD.MinVoicedMS, "PARLO_VAD_MIN_VOICED_MS")
	overrideInt(&cfg.VAD.TrailingSilenceMS, "PARLO_VAD_TRAILING_SILENCE_MS")
	overrideInt(&cfg.VAD.MinRecordingMS, "PARLO_VAD_MIN_RECORDING_MS")
	overrideInt(&cfg.VAD.MaxRecordingMS, "PARLO_VAD_MAX_RECORDING_MS")
	overrideInt(&cfg.VAD.MaxWaitVoiceMS, "PARLO_VAD_MAX_WAIT_VOICE_MS")
	overrideString(&cfg.STT.Strategy, "PARLO_STT_STRATEGY")
	overrideString(&cfg.STT.Command, "PARLO_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "PARLO_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "PARLO_STT_LANGUAGE")
	overrideString(&cfg.STT.UploadEndpoint, "PARLO_STT_UPLOAD_ENDPOINT")
	overrideString(&cfg.STT.UploadAPIKey, "PARLO_STT_UPLOAD_API_KEY")
	overrideInt(&cfg.STT.RequestTimeoutMS, "PARLO_STT_REQUEST_TIMEOUT_MS")
	overrideFloat(&cfg.STT.MinConfidence, "PARLO_STT_MIN_CONFIDENCE")
	overrideBool(&cfg.STT.PublishInterim, "PARLO_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.LLM.MaxTokens, "PARLO_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "PARLO_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.CallTimeoutMS, "PARLO_LLM_CALL_TIMEOUT_MS")
	overrideInt(&cfg.LLM.OverallTimeoutMS, "PARLO_LLM_OVERALL_TIMEOUT_MS")
	overrideBool(&cfg.LLM.Corrections, "PARLO_LLM_CORRECTIONS")
	overrideBool(&cfg.TTS.Enabled, "PARLO_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "PARLO_TTS_MODE")
	overrideString(&cfg.TTS.Command, "PARLO_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "PARLO_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "PARLO_TTS_API_KEY")
	overrideString(&cfg.TTS.Voice, "PARLO_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "PARLO_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "PARLO_TTS_CHANNELS")
	overrideInt(&cfg.TTS.RequestTimeoutMS, "PARLO_TTS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Lessons.StorePath, "PARLO_LESSONS_STORE_PATH")
	overrideInt(&cfg.Lessons.RetentionDays, "PARLO_LESSONS_RETENTION_DAYS")
	overrideInt(&cfg.Lessons.MaxAttempts, "PARLO_LESSONS_MAX_ATTEMPTS")
	overrideBool(&cfg.Lessons.VacuumOnStart, "PARLO_LESSONS_VACUUM_ON_START")
	overrideInt(&cfg.Pronunciation.MinAudioMS, "PARLO_PRONUNCIATION_MIN_AUDIO_MS")
	overrideInt(&cfg.Devices.HeartbeatTimeoutMS, "PARLO_DEVICES_HEARTBEAT_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Sessions.MaxActive <= 0 {
		return errors.New("sessions.max_active must be >= 1")
	}
	if cfg.Sessions.IdleTimeoutMS <= 0 {
		return errors.New("sessions.idle_timeout_ms must be positive")
	}
	if cfg.Sessions.HistoryWindow <= 0 {
		return errors.New("sessions.history_window must be >= 1")
	}
	if cfg.VAD.EnergyThreshold <= 0 {
		return errors.New("vad.energy_threshold must be positive")
	}
	if cfg.VAD.MinVoicedMS <= 0 {
		return errors.New("vad.min_voiced_ms must be positive")
	}
	if cfg.VAD.TrailingSilenceMS <= 0 {
		return errors.New("vad.trailing_silence_ms must be positive")
	}
	if cfg.VAD.MinRecordingMS <= 0 {
		return errors.New("vad.min_recording_ms must be positive")
	}
	if cfg.VAD.MaxRecordingMS <= cfg.VAD.MinRecordingMS {
		return errors.New("vad.max_recording_ms must be greater than vad.min_recording_ms")
	}
	if cfg.VAD.MaxWaitVoiceMS <= 0 {
		return errors.New("vad.max_wait_voice_ms must be positive")
	}
	switch cfg.STT.Strategy {
	case "stream", "upload", "mock":
	default:
		return errors.New("stt.strategy must be one of stream|upload|mock")
	}
	if cfg.STT.Strategy == "stream" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when strategy=stream")
	}
	if cfg.STT.Strategy == "upload" && cfg.STT.UploadEndpoint == "" {
		return errors.New("stt.upload_endpoint must be set when strategy=upload")
	}
	if len(cfg.LLM.Providers) == 0 {
		return errors.New("llm.providers must not be empty")
	}
	for _, p := range cfg.LLM.Providers {
		if p.Name == "" {
			return errors.New("llm provider name must not be empty")
		}
		switch p.Mode {
		case "ollama", "openai":
			if p.Endpoint == "" {
				return fmt.Errorf("llm provider %q: endpoint must be set when mode=%s", p.Name, p.Mode)
			}
		case "exec":
			if p.Command == "" {
				return fmt.Errorf("llm provider %q: command must be set when mode=exec", p.Name)
			}
		case "mock":
		default:
			return fmt.Errorf("llm provider %q: mode must be one of ollama|openai|exec|mock", p.Name)
		}
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.CallTimeoutMS <= 0 {
		return errors.New("llm.call_timeout_ms must be positive")
	}
	if cfg.LLM.OverallTimeoutMS < cfg.LLM.CallTimeoutMS {
		return errors.New("llm.overall_timeout_ms must be >= llm.call_timeout_ms")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "exec", "http", "mock":
		default:
			return errors.New("tts.mode must be one of exec|http|mock")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=http")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.Lessons.StorePath == "" {
		return errors.New("lessons.store_path must not be empty")
	}
	if cfg.Lessons.RetentionDays < 0 {
		return errors.New("lessons.retention_days must be >= 0")
	}
	if cfg.Pronunciation.MinAudioMS <= 0 {
		return errors.New("pronunciation.min_audio_ms must be positive")
	}
	if cfg.Devices.HeartbeatTimeoutMS <= 0 {
		return errors.New("devices.heartbeat_timeout_ms must be positive")
	}
	return nil
}
