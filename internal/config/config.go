package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Framework names accepted by HTTP_FRAMEWORK.
const (
	FrameworkGin   = "gin"
	FrameworkChi   = "chi"
	FrameworkFiber = "fiber"
)

// Dispatch modes accepted by DISPATCH_MODE.
const (
	DispatchSequential = "sequential"
	DispatchAsync      = "async"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultSessionLimit = 10000
	defaultSessionTTL   = 30 * time.Minute
)

// Config represents the full application configuration surface.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	WhatsApp WhatsAppConfig
	Flow     FlowConfig
	Dispatch DispatchConfig
	Bot      BotConfig
}

// ServerConfig holds HTTP server related options.
type ServerConfig struct {
	Port         string
	Framework    string
	MaxBodyBytes int64
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string
}

// WhatsAppConfig contains credentials and options for the Meta WhatsApp Cloud API.
type WhatsAppConfig struct {
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	// AppSecret signs X-Hub-Signature-256. Falls back to VerifyToken when unset.
	AppSecret              string
	BaseURL                string
	APIVersion             string
	VerifyWebhookSignature bool
}

// FlowConfig holds the private key material for the Flow data exchange endpoint.
type FlowConfig struct {
	PrivateKey     string
	PrivateKeyPath string
	Passphrase     string
	// ReloadSchedule is a cron spec re-reading PrivateKeyPath. Empty disables reloads.
	ReloadSchedule string
}

// Enabled reports whether any key material was configured.
func (f FlowConfig) Enabled() bool {
	return f.PrivateKey != "" || f.PrivateKeyPath != ""
}

// DispatchConfig selects how handlers run relative to the HTTP response.
type DispatchConfig struct {
	Mode           string
	MaxConcurrency int
}

// BotConfig toggles the built-in handlers.
type BotConfig struct {
	MarkAsRead    bool
	AutoReplyText string
	// SessionLimit and SessionTTL bound the flow form state kept in memory.
	SessionLimit int
	SessionTTL   time.Duration
}

// Load reads environment variables (optionally from the provided file) and
// materializes a Config instance.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
			}
		}
	} else {
		// Ignore the returned error here; missing .env files are acceptable when
		// configuration comes from the environment directly.
		_ = godotenv.Load()
	}

	maxBody, err := getenvInt64("MAX_BODY_BYTES", defaultMaxBodyBytes)
	if err != nil {
		return nil, err
	}
	maxConcurrency, err := getenvInt64("DISPATCH_MAX_CONCURRENCY", 16)
	if err != nil {
		return nil, err
	}
	verifySignature, err := getenvBool("WHATSAPP_VERIFY_WEBHOOK_SIGNATURE", false)
	if err != nil {
		return nil, err
	}
	markAsRead, err := getenvBool("MARK_AS_READ", true)
	if err != nil {
		return nil, err
	}
	sessionLimit, err := getenvInt64("FLOW_SESSION_LIMIT", defaultSessionLimit)
	if err != nil {
		return nil, err
	}
	sessionTTL, err := getenvDuration("FLOW_SESSION_TTL", defaultSessionTTL)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getenvWithDefault("APP_PORT", "8080"),
			Framework:    strings.ToLower(getenvWithDefault("HTTP_FRAMEWORK", FrameworkGin)),
			MaxBodyBytes: maxBody,
		},
		Log: LogConfig{
			Level: getenvWithDefault("LOG_LEVEL", "info"),
		},
		WhatsApp: WhatsAppConfig{
			AccessToken:            os.Getenv("WHATSAPP_TOKEN"),
			PhoneNumberID:          os.Getenv("WHATSAPP_PHONE_NUMBER_ID"),
			VerifyToken:            os.Getenv("META_VERIFY_TOKEN"),
			AppSecret:              os.Getenv("META_APP_SECRET"),
			BaseURL:                getenvWithDefault("WHATSAPP_BASE_URL", "https://graph.facebook.com"),
			APIVersion:             getenvWithDefault("WHATSAPP_API_VERSION", "v20.0"),
			VerifyWebhookSignature: verifySignature,
		},
		Flow: FlowConfig{
			PrivateKey:     os.Getenv("FLOW_PRIVATE_KEY"),
			PrivateKeyPath: os.Getenv("FLOW_PRIVATE_KEY_PATH"),
			Passphrase:     os.Getenv("FLOW_PRIVATE_KEY_PASSPHRASE"),
			ReloadSchedule: os.Getenv("FLOW_KEY_RELOAD_SCHEDULE"),
		},
		Dispatch: DispatchConfig{
			Mode:           strings.ToLower(getenvWithDefault("DISPATCH_MODE", DispatchSequential)),
			MaxConcurrency: int(maxConcurrency),
		},
		Bot: BotConfig{
			MarkAsRead:    markAsRead,
			AutoReplyText: os.Getenv("AUTO_REPLY_TEXT"),
			SessionLimit:  int(sessionLimit),
			SessionTTL:    sessionTTL,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures that required configuration fields are populated.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Server.Port == "" {
		return errors.New("APP_PORT must be provided")
	}

	switch c.Server.Framework {
	case FrameworkGin, FrameworkChi, FrameworkFiber:
	default:
		return fmt.Errorf("HTTP_FRAMEWORK %q is not one of gin, chi, fiber", c.Server.Framework)
	}

	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("MAX_BODY_BYTES must be positive")
	}

	switch {
	case c.WhatsApp.AccessToken == "":
		return errors.New("WHATSAPP_TOKEN must be provided")
	case c.WhatsApp.PhoneNumberID == "":
		return errors.New("WHATSAPP_PHONE_NUMBER_ID must be provided")
	case c.WhatsApp.VerifyToken == "":
		return errors.New("META_VERIFY_TOKEN must be provided")
	}

	if c.WhatsApp.BaseURL == "" {
		return errors.New("WHATSAPP_BASE_URL must not be empty")
	}

	if c.WhatsApp.APIVersion == "" {
		return errors.New("WHATSAPP_API_VERSION must not be empty")
	}

	if c.Flow.PrivateKey != "" && c.Flow.PrivateKeyPath != "" {
		return errors.New("set only one of FLOW_PRIVATE_KEY and FLOW_PRIVATE_KEY_PATH")
	}

	if c.Flow.ReloadSchedule != "" && c.Flow.PrivateKeyPath == "" {
		return errors.New("FLOW_KEY_RELOAD_SCHEDULE requires FLOW_PRIVATE_KEY_PATH")
	}

	switch c.Dispatch.Mode {
	case DispatchSequential, DispatchAsync:
	default:
		return fmt.Errorf("DISPATCH_MODE %q is not one of sequential, async", c.Dispatch.Mode)
	}

	if c.Dispatch.MaxConcurrency <= 0 {
		return errors.New("DISPATCH_MAX_CONCURRENCY must be positive")
	}

	if c.Bot.SessionLimit <= 0 {
		return errors.New("FLOW_SESSION_LIMIT must be positive")
	}

	if c.Bot.SessionTTL <= 0 {
		return errors.New("FLOW_SESSION_TTL must be positive")
	}

	return nil
}

// SignatureSecret returns the secret used for X-Hub-Signature-256 checks.
func (w WhatsAppConfig) SignatureSecret() string {
	if w.AppSecret != "" {
		return w.AppSecret
	}
	return w.VerifyToken
}

func getenvWithDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvInt64(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
