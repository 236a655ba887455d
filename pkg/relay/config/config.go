// Package config defines the configuration structures for the relay service:
// HTTP server, logging, the Feishu and WeChat front-ends, and the upstream
// LLM backends with their per-model request parameters.
package config

import (
	"fmt"
	"time"
)

// Config holds the full service configuration. Loaded once at startup and
// treated as immutable for the process lifetime.
type Config struct {
	// Server configures the inbound HTTP listener (webhooks, health).
	Server ServerConfig `yaml:"server"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`

	// Feishu configures the Feishu (Lark) bot front-end.
	Feishu FeishuConfig `yaml:"feishu"`

	// WeChat configures the WeChat public-account front-end.
	WeChat WeChatConfig `yaml:"wechat"`

	// Models maps a model name to its upstream backend settings.
	Models map[string]ModelConfig `yaml:"models"`

	// Params maps a model name to the request parameter template sent
	// with every completion call for that model.
	Params map[string]Params `yaml:"params"`

	// Bot configures the card relay behavior.
	Bot BotConfig `yaml:"bot"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// FeishuConfig holds the Feishu app credentials and routing.
type FeishuConfig struct {
	// AppID and AppSecret identify the Feishu application.
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`

	// VerificationToken is checked against the token field of inbound
	// webhook events. Empty disables the check.
	VerificationToken string `yaml:"verification_token"`

	// BotModel selects the entry in Models/Params used for bot replies.
	BotModel string `yaml:"bot_model"`
}

// WeChatConfig holds the WeChat public-account settings.
type WeChatConfig struct {
	// Token is the shared secret used for webhook signature verification.
	Token string `yaml:"token"`

	// Model selects the entry in Models/Params used for public-account
	// replies.
	Model string `yaml:"model"`
}

// ModelConfig describes one upstream LLM backend endpoint.
type ModelConfig struct {
	// Provider selects the payload dialect: "openai", "dify" or "fastgpt".
	Provider string `yaml:"provider"`

	// BaseURL is the backend origin, e.g. "https://api.dify.ai/v1".
	BaseURL string `yaml:"base_url"`

	// ChatEndpoint is the completion path, e.g. "/chat-messages".
	ChatEndpoint string `yaml:"chat_endpoint"`

	// ConvEndpoint is the conversation-listing path for backends that
	// correlate calls into dialogues. Empty disables conversation tracking.
	ConvEndpoint string `yaml:"conv_endpoint"`

	// APIKey is the static bearer credential.
	APIKey string `yaml:"api_key"`

	// ConvLimit is the page size for the conversation-listing call.
	ConvLimit int `yaml:"conv_limit"`

	// ConcurrencyLimit bounds simultaneous in-flight requests to this
	// backend; requests beyond the limit queue.
	ConcurrencyLimit int `yaml:"concurrency_limit"`

	// TimeoutSeconds is the per-request timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the request timeout as a duration.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// Params is the request parameter template for one model. Fields left at
// their zero value are omitted from the wire payload. The stream flag is not
// part of the template: each call site picks blocking or streaming mode.
type Params struct {
	Model        string         `yaml:"model" json:"model,omitempty"`
	ResponseMode string         `yaml:"response_mode" json:"response_mode,omitempty"`
	Temperature  float64        `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens    int            `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Inputs       map[string]any `yaml:"inputs" json:"inputs"`
	User         string         `yaml:"user" json:"user,omitempty"`
}

// BotConfig configures the card relay protocol.
type BotConfig struct {
	// MaxRetries bounds attempts for one card update call.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelayMs is the fixed delay between update attempts.
	RetryDelayMs int `yaml:"retry_delay_ms"`

	// ConversationIdleMinutes is how long an unused conversation entry
	// survives before the janitor prunes it. Zero disables pruning.
	ConversationIdleMinutes int `yaml:"conversation_idle_minutes"`
}

// RetryDelay returns the fixed per-attempt retry delay.
func (b BotConfig) RetryDelay() time.Duration {
	return time.Duration(b.RetryDelayMs) * time.Millisecond
}

// ConversationIdle returns the janitor TTL.
func (b BotConfig) ConversationIdle() time.Duration {
	return time.Duration(b.ConversationIdleMinutes) * time.Minute
}

// DefaultConfig returns a Config with sensible defaults. YAML values overlay
// these on load.
func DefaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8000},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Bot: BotConfig{
			MaxRetries:              3,
			RetryDelayMs:            200,
			ConversationIdleMinutes: 24 * 60,
		},
	}
}

// Validate checks cross-field invariants that YAML parsing cannot express.
func (c *Config) Validate() error {
	if c.Feishu.BotModel != "" {
		if _, ok := c.Models[c.Feishu.BotModel]; !ok {
			return fmt.Errorf("feishu.bot_model %q has no entry under models", c.Feishu.BotModel)
		}
	}
	if c.WeChat.Model != "" {
		if _, ok := c.Models[c.WeChat.Model]; !ok {
			return fmt.Errorf("wechat.model %q has no entry under models", c.WeChat.Model)
		}
	}
	for name, m := range c.Models {
		if m.BaseURL == "" {
			return fmt.Errorf("models.%s: base_url is required", name)
		}
		if m.ChatEndpoint == "" {
			return fmt.Errorf("models.%s: chat_endpoint is required", name)
		}
	}
	return nil
}
