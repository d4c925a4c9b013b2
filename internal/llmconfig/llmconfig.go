// Package llmconfig builds the configured llm.Client from viper settings.
package llmconfig

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scrumlead/scrumlead/llm"
	"github.com/scrumlead/scrumlead/providers/anthropic"
	"github.com/scrumlead/scrumlead/providers/bedrock"
)

type ClientConfig struct {
	Provider       string
	Endpoint       string
	APIKey         string
	Model          string
	Region         string
	MaxTokens      int
	Temperature    float64
	RequestTimeout time.Duration
}

func FromViper() ClientConfig {
	cfg := ClientConfig{
		Provider:       strings.ToLower(strings.TrimSpace(viper.GetString("llm.provider"))),
		Endpoint:       strings.TrimSpace(viper.GetString("llm.endpoint")),
		APIKey:         strings.TrimSpace(viper.GetString("llm.api_key")),
		Model:          strings.TrimSpace(viper.GetString("llm.model")),
		Region:         strings.TrimSpace(viper.GetString("llm.region")),
		MaxTokens:      viper.GetInt("llm.max_tokens"),
		Temperature:    viper.GetFloat64("llm.temperature"),
		RequestTimeout: viper.GetDuration("llm.request_timeout"),
	}
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	if cfg.Model == "" {
		switch cfg.Provider {
		case "bedrock":
			cfg.Model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
		default:
			cfg.Model = "claude-sonnet-4-5"
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return cfg
}

func NewClient(ctx context.Context, cfg ClientConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(anthropic.Options{APIKey: cfg.APIKey, BaseURL: cfg.Endpoint})
	case "bedrock":
		return bedrock.New(ctx, cfg.Region)
	default:
		return nil, fmt.Errorf("unknown llm provider %q (want anthropic or bedrock)", cfg.Provider)
	}
}
