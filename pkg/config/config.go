package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	envGatewayAPIKey    = "EVOLUTION_API_KEY"
	envAppSecret        = "APP_SECRET"
	envVerifyToken      = "VERIFY_TOKEN"
	envCalendarLink     = "CALENDAR_LINK"
	envTelegramBotToken = "TELEGRAM_BOT_TOKEN"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Gateway       GatewayConfig       `json:"gateway"`
	Security      SecurityConfig      `json:"security"`
	LLM           LLMConfig           `json:"llm"`
	Speech        SpeechConfig        `json:"speech"`
	Bot           BotConfig           `json:"bot"`
	Pipeline      PipelineConfig      `json:"pipeline"`
	Notifications NotificationsConfig `json:"notifications,omitempty"`
	Logging       LoggingConfig       `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ServerConfig configures HTTP bind settings for the webhook surface.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// GatewayConfig configures the WhatsApp gateway (Evolution API) client.
type GatewayConfig struct {
	BaseURL               string `json:"base_url"`
	APIKey                string `json:"api_key"`
	InstanceName          string `json:"instance_name"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	MaxAudioSizeMB        int    `json:"max_audio_size_mb"`
	SendDelayMillis       int    `json:"send_delay_millis"`
}

// SecurityConfig holds webhook verification secrets.
//
// AppSecret enables HMAC signature validation on POST /webhook; an empty
// value disables it. VerifyToken answers the GET /webhook challenge.
type SecurityConfig struct {
	VerifyToken string `json:"verify_token"`
	AppSecret   string `json:"app_secret"`
}

// LLMConfig configures the reasoning provider and its model pair.
type LLMConfig struct {
	BaseURL               string  `json:"base_url"`
	APIKeyEnv             string  `json:"api_key_env"`
	PrimaryModel          string  `json:"primary_model"`
	FallbackModel         string  `json:"fallback_model"`
	Temperature           float64 `json:"temperature"`
	MaxTokens             int     `json:"max_tokens"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
}

// SpeechConfig configures speech-to-text and text-to-speech behavior.
type SpeechConfig struct {
	STTModel              string `json:"stt_model"`
	Language              string `json:"language"`
	TTSModel              string `json:"tts_model"`
	TTSVoice              string `json:"tts_voice"`
	MaxConcurrentConverts int    `json:"max_concurrent_converts"`
	ConvertTimeoutSeconds int    `json:"convert_timeout_seconds"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	MinTranscriptLength   int    `json:"min_transcript_length"`
}

// BotConfig holds conversational behavior settings.
type BotConfig struct {
	ResponseModality string `json:"response_modality"`
	CalendarLink     string `json:"calendar_link"`
	Persona          string `json:"persona,omitempty"`
}

// PipelineConfig tunes admission control, memory, and retry behavior.
//
// The staleness window and memory window default to the values the bot has
// always shipped with (60s, 20 turns) but stay configurable: the first
// bounds gateway backfill storms, the second bounds LLM context cost.
type PipelineConfig struct {
	StalenessWindowSeconds int     `json:"staleness_window_seconds"`
	MemoryWindowTurns      int     `json:"memory_window_turns"`
	MemoryPath             string  `json:"memory_path"`
	TempDir                string  `json:"temp_dir,omitempty"`
	MaxRetries             int     `json:"max_retries"`
	RetryBaseDelaySeconds  float64 `json:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds   float64 `json:"retry_max_delay_seconds"`
	RetryBackoffFactor     float64 `json:"retry_backoff_factor"`
}

// NotificationsConfig selects the critical-error reporting sink.
type NotificationsConfig struct {
	Type        string               `json:"type"`
	LogFilePath string               `json:"log_file_path,omitempty"`
	WebhookURL  string               `json:"webhook_url,omitempty"`
	Telegram    TelegramNotifyConfig `json:"telegram,omitempty"`
}

// TelegramNotifyConfig configures the Telegram operator-alert sink.
type TelegramNotifyConfig struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// LoadConfig resolves config.json, unmarshals it, and applies env overrides.
//
// A cwd-local .env file is loaded first so container deployments can keep
// secrets out of config.json.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if key := strings.TrimSpace(os.Getenv(envGatewayAPIKey)); key != "" {
		cfg.Gateway.APIKey = key
	}
	if secret := strings.TrimSpace(os.Getenv(envAppSecret)); secret != "" {
		cfg.Security.AppSecret = secret
	}
	if token := strings.TrimSpace(os.Getenv(envVerifyToken)); token != "" {
		cfg.Security.VerifyToken = token
	}
	if link := strings.TrimSpace(os.Getenv(envCalendarLink)); link != "" {
		cfg.Bot.CalendarLink = link
	}
	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Notifications.Telegram.Token = token
	}
}

// ApplyDefaults fills unset fields with the values the bot ships with.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8000
	}

	cfg.Gateway.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Gateway.BaseURL), "/")
	if cfg.Gateway.RequestTimeoutSeconds <= 0 {
		cfg.Gateway.RequestTimeoutSeconds = 60
	}
	if cfg.Gateway.MaxAudioSizeMB <= 0 {
		cfg.Gateway.MaxAudioSizeMB = 16
	}
	if cfg.Gateway.SendDelayMillis <= 0 {
		cfg.Gateway.SendDelayMillis = 1200
	}

	cfg.LLM.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.LLM.BaseURL), "/")
	if cfg.LLM.Temperature <= 0 {
		cfg.LLM.Temperature = 0.6
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 150
	}
	if cfg.LLM.RequestTimeoutSeconds <= 0 {
		cfg.LLM.RequestTimeoutSeconds = 60
	}

	if cfg.Speech.STTModel == "" {
		cfg.Speech.STTModel = "whisper-large-v3"
	}
	if cfg.Speech.Language == "" {
		cfg.Speech.Language = "pt"
	}
	if cfg.Speech.TTSModel == "" {
		cfg.Speech.TTSModel = "tts-1"
	}
	if cfg.Speech.TTSVoice == "" {
		cfg.Speech.TTSVoice = "alloy"
	}
	if cfg.Speech.MaxConcurrentConverts <= 0 {
		cfg.Speech.MaxConcurrentConverts = 3
	}
	if cfg.Speech.ConvertTimeoutSeconds <= 0 {
		cfg.Speech.ConvertTimeoutSeconds = 15
	}
	if cfg.Speech.RequestTimeoutSeconds <= 0 {
		cfg.Speech.RequestTimeoutSeconds = 30
	}
	if cfg.Speech.MinTranscriptLength <= 0 {
		cfg.Speech.MinTranscriptLength = 2
	}

	if cfg.Bot.ResponseModality == "" {
		cfg.Bot.ResponseModality = "audio"
	}

	if cfg.Pipeline.StalenessWindowSeconds <= 0 {
		cfg.Pipeline.StalenessWindowSeconds = 60
	}
	if cfg.Pipeline.MemoryWindowTurns <= 0 {
		cfg.Pipeline.MemoryWindowTurns = 20
	}
	if cfg.Pipeline.MemoryPath == "" {
		cfg.Pipeline.MemoryPath = "chat_history.json"
	}
	if cfg.Pipeline.MaxRetries <= 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.RetryBaseDelaySeconds <= 0 {
		cfg.Pipeline.RetryBaseDelaySeconds = 1.0
	}
	if cfg.Pipeline.RetryMaxDelaySeconds <= 0 {
		cfg.Pipeline.RetryMaxDelaySeconds = 30.0
	}
	if cfg.Pipeline.RetryBackoffFactor <= 0 {
		cfg.Pipeline.RetryBackoffFactor = 2.0
	}

	if cfg.Notifications.Type == "" {
		cfg.Notifications.Type = "console"
	}
	if cfg.Notifications.LogFilePath == "" {
		cfg.Notifications.LogFilePath = "notifications.log"
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is VOICESDR_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("VOICESDR_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("VOICESDR_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
