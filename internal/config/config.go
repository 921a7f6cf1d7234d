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
	Store       StoreConfig     `yaml:"store"`
	Dialogue    DialogueConfig  `yaml:"dialogue"`
	TTS         TTSConfig       `yaml:"tts"`
	STT         STTConfig       `yaml:"stt"`
	Speak       SpeakConfig     `yaml:"speak"`
	Audio       AudioConfig     `yaml:"audio"`
	Capture     CaptureConfig   `yaml:"capture"`
	Session     SessionConfig   `yaml:"session"`
	Playback    PlaybackConfig  `yaml:"playback"`
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

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type DialogueConfig struct {
	Mode          string  `yaml:"mode"` // mock, ollama, exec
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	Model         string  `yaml:"model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	SectionTurns  int     `yaml:"section_turns"`
	RequestBudget int     `yaml:"request_budget_s"`
}

type TTSConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type STTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type SpeakConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // mock, exec
	Command string `yaml:"command"`
}

type AudioConfig struct {
	SampleRate   int `yaml:"sample_rate"`
	Channels     int `yaml:"channels"`
	BufferSizeMS int `yaml:"buffer_size_ms"`
	FanOut       int `yaml:"fan_out"`
}

type CaptureConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Microphone bool   `yaml:"microphone"`
	FPS        int    `yaml:"fps"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FFmpegPath string `yaml:"ffmpeg_path"`
	OutputDir  string `yaml:"output_dir"`
}

type SessionConfig struct {
	Topic            string  `yaml:"topic"`
	MaxLineLength    int     `yaml:"max_line_length"`
	RateLimitCount   int     `yaml:"rate_limit_count"`
	RateLimitWindow  int     `yaml:"rate_limit_window_s"`
	ModeratorVoice   string  `yaml:"moderator_voice"`
	CommentatorVoice string  `yaml:"commentator_voice"`
	ModeratorRate    float64 `yaml:"moderator_rate"`
	CommentatorRate  float64 `yaml:"commentator_rate"`
}

type PlaybackConfig struct {
	CountdownBeats int `yaml:"countdown_beats"`
	CountdownGapMS int `yaml:"countdown_gap_ms"`
	PreRollPauseMS int `yaml:"pre_roll_pause_ms"`
	FinalGraceMS   int `yaml:"final_grace_ms"`
	MinWaitMS      int `yaml:"min_wait_ms"`
	PerCharWaitMS  int `yaml:"per_char_wait_ms"`
	MaxWaitMS      int `yaml:"max_wait_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "parley-runtime",
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
		Store: StoreConfig{
			Path:          "./data/parley-sessions.db",
			RetentionMode: "session",
			MaxSessions:   10000,
		},
		Dialogue: DialogueConfig{
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			Model:         "llama3.2:latest",
			MaxTokens:     512,
			Temperature:   0.8,
			SectionTurns:  6,
			RequestBudget: 60,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			SampleRate: 24000,
			Channels:   1,
		},
		STT: STTConfig{
			Enabled:    false,
			Mode:       "mock",
			SampleRate: 24000,
			Channels:   1,
		},
		Speak: SpeakConfig{
			Enabled: false,
			Mode:    "mock",
		},
		Audio: AudioConfig{
			SampleRate:   24000,
			Channels:     1,
			BufferSizeMS: 100,
			FanOut:       3,
		},
		Capture: CaptureConfig{
			Enabled:    true,
			Microphone: true,
			FPS:        15,
			Width:      1280,
			Height:     720,
			FFmpegPath: "ffmpeg",
			OutputDir:  "./data/recordings",
		},
		Session: SessionConfig{
			MaxLineLength:    280,
			RateLimitCount:   5,
			RateLimitWindow:  60,
			ModeratorVoice:   "en-US-moderator",
			CommentatorVoice: "en-US-commentator",
			ModeratorRate:    1.0,
			CommentatorRate:  1.1,
		},
		Playback: PlaybackConfig{
			CountdownBeats: 3,
			CountdownGapMS: 1000,
			PreRollPauseMS: 400,
			FinalGraceMS:   1500,
			MinWaitMS:      1000,
			PerCharWaitMS:  80,
			MaxWaitMS:      3000,
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
	overrideString(&cfg.RuntimeName, "PARLEY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PARLEY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PARLEY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PARLEY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PARLEY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PARLEY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PARLEY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "PARLEY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "PARLEY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PARLEY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "PARLEY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PARLEY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PARLEY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PARLEY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PARLEY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PARLEY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "PARLEY_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "PARLEY_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.MaxSessions, "PARLEY_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "PARLEY_STORE_VACUUM_ON_START")
	overrideString(&cfg.Dialogue.Mode, "PARLEY_DIALOGUE_MODE")
	overrideString(&cfg.Dialogue.Endpoint, "PARLEY_DIALOGUE_ENDPOINT")
	overrideString(&cfg.Dialogue.Command, "PARLEY_DIALOGUE_COMMAND")
	overrideString(&cfg.Dialogue.Model, "PARLEY_DIALOGUE_MODEL")
	overrideInt(&cfg.Dialogue.MaxTokens, "PARLEY_DIALOGUE_MAX_TOKENS")
	overrideFloat(&cfg.Dialogue.Temperature, "PARLEY_DIALOGUE_TEMPERATURE")
	overrideInt(&cfg.Dialogue.SectionTurns, "PARLEY_DIALOGUE_SECTION_TURNS")
	overrideString(&cfg.TTS.Mode, "PARLEY_TTS_MODE")
	overrideString(&cfg.TTS.Command, "PARLEY_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "PARLEY_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "PARLEY_TTS_CHANNELS")
	overrideBool(&cfg.STT.Enabled, "PARLEY_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "PARLEY_STT_MODE")
	overrideString(&cfg.STT.Command, "PARLEY_STT_COMMAND")
	overrideBool(&cfg.Speak.Enabled, "PARLEY_SPEAK_ENABLED")
	overrideString(&cfg.Speak.Mode, "PARLEY_SPEAK_MODE")
	overrideString(&cfg.Speak.Command, "PARLEY_SPEAK_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "PARLEY_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.FanOut, "PARLEY_AUDIO_FAN_OUT")
	overrideBool(&cfg.Capture.Enabled, "PARLEY_CAPTURE_ENABLED")
	overrideBool(&cfg.Capture.Microphone, "PARLEY_CAPTURE_MICROPHONE")
	overrideInt(&cfg.Capture.FPS, "PARLEY_CAPTURE_FPS")
	overrideString(&cfg.Capture.FFmpegPath, "PARLEY_CAPTURE_FFMPEG_PATH")
	overrideString(&cfg.Capture.OutputDir, "PARLEY_CAPTURE_OUTPUT_DIR")
	overrideString(&cfg.Session.Topic, "PARLEY_SESSION_TOPIC")
	overrideInt(&cfg.Session.MaxLineLength, "PARLEY_SESSION_MAX_LINE_LENGTH")
	overrideInt(&cfg.Session.RateLimitCount, "PARLEY_SESSION_RATE_LIMIT_COUNT")
	overrideInt(&cfg.Session.RateLimitWindow, "PARLEY_SESSION_RATE_LIMIT_WINDOW_S")
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
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionMode != "ephemeral" && cfg.Store.Path == "" {
		return errors.New("store.path must not be empty unless retention is ephemeral")
	}
	switch cfg.Dialogue.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("dialogue.mode must be one of mock|ollama|exec")
	}
	if cfg.Dialogue.Mode == "ollama" && cfg.Dialogue.Endpoint == "" {
		return errors.New("dialogue.endpoint must be set when mode=ollama")
	}
	if cfg.Dialogue.Mode == "exec" && cfg.Dialogue.Command == "" {
		return errors.New("dialogue.command must be set when mode=exec")
	}
	if cfg.Dialogue.SectionTurns <= 0 {
		return errors.New("dialogue.section_turns must be positive")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.STT.Enabled && cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.Speak.Enabled && cfg.Speak.Mode == "exec" && cfg.Speak.Command == "" {
		return errors.New("speak.command must be set when mode=exec")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FanOut <= 0 {
		return errors.New("audio.fan_out must be >= 1")
	}
	if cfg.Capture.Enabled {
		if cfg.Capture.FPS <= 0 {
			return errors.New("capture.fps must be positive")
		}
		if cfg.Capture.Width <= 0 || cfg.Capture.Height <= 0 {
			return errors.New("capture.width and capture.height must be positive")
		}
		if cfg.Capture.OutputDir == "" {
			return errors.New("capture.output_dir must not be empty when capture is enabled")
		}
	}
	if cfg.Session.MaxLineLength <= 0 {
		return errors.New("session.max_line_length must be positive")
	}
	if cfg.Session.RateLimitCount <= 0 {
		return errors.New("session.rate_limit_count must be >= 1")
	}
	if cfg.Session.RateLimitWindow <= 0 {
		return errors.New("session.rate_limit_window_s must be positive")
	}
	if cfg.Playback.CountdownBeats < 0 {
		return errors.New("playback.countdown_beats must be >= 0")
	}
	if cfg.Playback.MinWaitMS <= 0 || cfg.Playback.MaxWaitMS < cfg.Playback.MinWaitMS {
		return errors.New("playback wait bounds are inconsistent")
	}
	return nil
}
