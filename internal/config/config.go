package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
)

type Config struct {
	ConversationsTable string
	ConversationsIndex string
	MessagesTable      string

	InferenceProvider    string
	BedrockModelID       string
	OpenAIModel          string
	OpenAIBaseURL        string
	ParamPrefix          string
	InferenceMaxTokens   int
	InferenceTemperature float64
	InferenceTimeout     time.Duration

	MaxMessageLength int

	DynamoDBEndpoint string
	Port             string
	LogLevel         slog.Level
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var errs []error
	req := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		ConversationsTable: req("CONVERSATIONS_TABLE"),
		ConversationsIndex: env("CONVERSATIONS_INDEX", "userId-updatedAt-index"),
		MessagesTable:      req("MESSAGES_TABLE"),

		InferenceProvider: strings.ToLower(env("INFERENCE_PROVIDER", ProviderBedrock)),
		BedrockModelID:    env("BEDROCK_MODEL_ID", ""),
		OpenAIModel:       env("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     env("OPENAI_BASE_URL", ""),
		ParamPrefix:       env("PARAM_PREFIX", ""),

		DynamoDBEndpoint: env("DYNAMODB_ENDPOINT", ""),
		Port:             env("PORT", "8080"),
	}

	var err error
	if cfg.InferenceMaxTokens, err = envInt("INFERENCE_MAX_TOKENS", 2048); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxMessageLength, err = envInt("MAX_MESSAGE_LENGTH", 10000); err != nil {
		errs = append(errs, err)
	}
	if cfg.InferenceTemperature, err = envFloat("INFERENCE_TEMPERATURE", 1.0); err != nil {
		errs = append(errs, err)
	}
	if cfg.InferenceTimeout, err = envDuration("INFERENCE_TIMEOUT", 25*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.LogLevel, err = envLevel("LOG_LEVEL", slog.LevelInfo); err != nil {
		errs = append(errs, err)
	}

	switch cfg.InferenceProvider {
	case ProviderBedrock:
	case ProviderOpenAI:
		if cfg.ParamPrefix == "" {
			errs = append(errs, errors.New("config: PARAM_PREFIX is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown INFERENCE_PROVIDER %q", cfg.InferenceProvider))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func requireEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("config: required environment variable %s is not set", key)
	}
	return v, nil
}

func envInt(key string, def int) (int, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative number, got %q", key, v)
	}
	return f, nil
}

// envDuration accepts Go durations ("25s") or a bare number of seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s must be a positive duration, got %q", key, v)
	}
	return d, nil
}

func envLevel(key string, def slog.Level) (slog.Level, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return lvl, nil
}
