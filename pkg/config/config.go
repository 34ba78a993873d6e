package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
)

// ErrMissingCredential marks a required credential that is absent.
var ErrMissingCredential = errors.New("missing credential")

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Persona   PersonaConfig   `json:"persona"`
	Gate      GateConfig      `json:"gate"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Memory    MemoryConfig    `json:"memory"`
	Gateway   GatewayConfig   `json:"gateway"`
	Log       LogConfig       `json:"log"`
	mu        sync.RWMutex
}

type AgentsConfig struct {
	Provider string `json:"provider" env:"STEFAN_AGENTS_PROVIDER"`
}

type PersonaConfig struct {
	Name          string `json:"name" env:"STEFAN_PERSONA_NAME"`
	BackstoryPath string `json:"backstory_path" env:"STEFAN_PERSONA_BACKSTORY_PATH"`
	SuperuserID   string `json:"superuser_id" env:"STEFAN_PERSONA_SUPERUSER_ID"`
	Language      string `json:"language" env:"STEFAN_PERSONA_LANGUAGE"`
	Tone          string `json:"tone" env:"STEFAN_PERSONA_TONE"`
	MaxSentences  int    `json:"max_sentences" env:"STEFAN_PERSONA_MAX_SENTENCES"`
}

type GateConfig struct {
	RandomChance  float64 `json:"random_chance" env:"STEFAN_GATE_RANDOM_CHANCE"`
	HistoryWindow int     `json:"history_window" env:"STEFAN_GATE_HISTORY_WINDOW"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token      string              `json:"token" env:"STEFAN_CHANNELS_DISCORD_TOKEN"`
	AllowFrom  FlexibleStringSlice `json:"allow_from" env:"STEFAN_CHANNELS_DISCORD_ALLOW_FROM"`
	ChannelIDs FlexibleStringSlice `json:"channel_ids" env:"STEFAN_CHANNELS_DISCORD_CHANNEL_IDS"`
}

type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai" envPrefix:"STEFAN_PROVIDERS_OPENAI_"`
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"STEFAN_PROVIDERS_OPENROUTER_"`
}

type ProviderConfig struct {
	APIKey         string `json:"api_key" env:"API_KEY"`
	APIBase        string `json:"api_base" env:"API_BASE"`
	Model          string `json:"model" env:"MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"TIMEOUT_SECONDS"`
}

type MemoryConfig struct {
	Backend    string   `json:"backend" env:"STEFAN_MEMORY_BACKEND"`
	Path       string   `json:"path" env:"STEFAN_MEMORY_PATH"`
	Policy     string   `json:"policy" env:"STEFAN_MEMORY_POLICY"`
	MaxRecords int      `json:"max_records" env:"STEFAN_MEMORY_MAX_RECORDS"`
	SweepCron  string   `json:"sweep_cron" env:"STEFAN_MEMORY_SWEEP_CRON"`
	S3         S3Config `json:"s3"`
}

type S3Config struct {
	Bucket   string `json:"bucket" env:"STEFAN_MEMORY_S3_BUCKET"`
	Key      string `json:"key" env:"STEFAN_MEMORY_S3_KEY"`
	Region   string `json:"region" env:"STEFAN_MEMORY_S3_REGION"`
	Endpoint string `json:"endpoint" env:"STEFAN_MEMORY_S3_ENDPOINT"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"STEFAN_GATEWAY_HOST"`
	Port int    `json:"port" env:"STEFAN_GATEWAY_PORT"`
}

type LogConfig struct {
	Level  string `json:"level" env:"STEFAN_LOG_LEVEL"`
	Format string `json:"format" env:"STEFAN_LOG_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Provider: "openai",
		},
		Persona: PersonaConfig{
			Name:          "Stefan",
			BackstoryPath: "./promptContent/backstory.txt",
			Language:      "English",
			Tone:          "casual and friendly",
			MaxSentences:  2,
		},
		Gate: GateConfig{
			RandomChance:  0.10,
			HistoryWindow: 10,
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				AllowFrom:  FlexibleStringSlice{},
				ChannelIDs: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				Model:          "gpt-4o",
				TimeoutSeconds: 60,
			},
			OpenRouter: ProviderConfig{
				Model:          "openai/gpt-4o",
				TimeoutSeconds: 60,
			},
		},
		Memory: MemoryConfig{
			Backend:    "file",
			Path:       "./promptContent/memory.json",
			Policy:     "append",
			MaxRecords: 10,
			SweepCron:  "@hourly",
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path over the defaults (a missing file is fine) and then
// applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.applyLegacyEnv()

	return cfg, nil
}

// applyLegacyEnv honours the plain DISCORD_BOT_TOKEN and OPENAI_API_KEY names.
func (c *Config) applyLegacyEnv() {
	if c.Channels.Discord.Token == "" {
		c.Channels.Discord.Token = strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN"))
	}
	if c.Providers.OpenAI.APIKey == "" {
		c.Providers.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ActiveProvider returns the credentials block of the selected provider.
func (c *Config) ActiveProvider() ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if strings.EqualFold(strings.TrimSpace(c.Agents.Provider), "openrouter") {
		return c.Providers.OpenRouter
	}
	return c.Providers.OpenAI
}

// Validate reports every missing credential and malformed setting.
// requireDiscord is false for the local console mode.
func (c *Config) Validate(requireDiscord bool) error {
	var result *multierror.Error

	provider := strings.ToLower(strings.TrimSpace(c.Agents.Provider))
	if provider == "" {
		provider = "openai"
	}
	if strings.TrimSpace(c.ActiveProvider().APIKey) == "" {
		result = multierror.Append(result, fmt.Errorf("%w: providers.%s.api_key (or STEFAN_PROVIDERS_%s_API_KEY)",
			ErrMissingCredential, provider, strings.ToUpper(provider)))
	}
	if requireDiscord && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		result = multierror.Append(result, fmt.Errorf("%w: channels.discord.token (or STEFAN_CHANNELS_DISCORD_TOKEN)", ErrMissingCredential))
	}
	if strings.TrimSpace(c.Persona.BackstoryPath) == "" {
		result = multierror.Append(result, fmt.Errorf("persona.backstory_path is required"))
	}
	if c.Gate.RandomChance < 0 || c.Gate.RandomChance > 1 {
		result = multierror.Append(result, fmt.Errorf("gate.random_chance must be within [0,1], got %v", c.Gate.RandomChance))
	}
	if c.Gate.HistoryWindow < 1 || c.Gate.HistoryWindow > 100 {
		result = multierror.Append(result, fmt.Errorf("gate.history_window must be within [1,100], got %d", c.Gate.HistoryWindow))
	}
	if c.Memory.MaxRecords < 1 {
		result = multierror.Append(result, fmt.Errorf("memory.max_records must be positive, got %d", c.Memory.MaxRecords))
	}
	switch strings.ToLower(c.Memory.Policy) {
	case "append", "replace":
	default:
		result = multierror.Append(result, fmt.Errorf("memory.policy must be append or replace, got %q", c.Memory.Policy))
	}
	switch strings.ToLower(c.Memory.Backend) {
	case "file":
		if strings.TrimSpace(c.Memory.Path) == "" {
			result = multierror.Append(result, fmt.Errorf("memory.path is required for the file backend"))
		}
	case "s3":
		if strings.TrimSpace(c.Memory.S3.Bucket) == "" || strings.TrimSpace(c.Memory.S3.Key) == "" {
			result = multierror.Append(result, fmt.Errorf("memory.s3.bucket and memory.s3.key are required for the s3 backend"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("memory.backend must be file or s3, got %q", c.Memory.Backend))
	}

	return result.ErrorOrNil()
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
