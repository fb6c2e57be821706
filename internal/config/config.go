package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aimessages/aimessages/internal/conversation"
	"github.com/aimessages/aimessages/internal/invoke"
)

const (
	DefaultCharacterLimit = 9999
	TestCharacterLimit    = 10
)

type Config struct {
	Env string

	OpenAIAPIKey          string
	OpenAIBaseURL         string
	OpenAIChatModel       string
	OpenAICompletionModel string
	OpenAIEditModel       string

	StabilityAPIKey string
	StabilityHost   string
	StabilityEngine string

	ClipdropAPIKey string
	ClipdropHost   string

	LoopURL             string
	LoopAuthURL         string
	LoopSenderName      string
	LoopSecretKey       string
	LoopConversationKey string
	LoopAuthKey         string
	LoopBearerToken     string

	PurchasesBearerToken string
	ImageBucketURL       string

	// UserTokenSecret signs the tokens of the extension and account-link routes.
	UserTokenSecret string

	MaxRetries        int
	BaseDelay         time.Duration
	TokenBuffer       int
	MaxMessageHistory int
	CharacterLimit    int

	QueueSize      int
	WebhookWorkers int

	Port    string
	DataDir string
}

// Test reports whether the test constants are in effect.
func (c *Config) Test() bool { return c.Env == "test" }

// Policy is the retry policy of every provider call.
func (c *Config) Policy() invoke.Policy {
	return invoke.Policy{MaxRetries: c.MaxRetries, BaseDelay: c.BaseDelay}
}

// Load reads the environment, after applying envFile when given or ./.env
// when present. APP_ENV=test selects the test defaults; explicit variables
// override both.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := &Config{
		Env:                   os.Getenv("APP_ENV"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:         os.Getenv("OPENAI_BASE_URL"),
		OpenAIChatModel:       os.Getenv("OPENAI_CHAT_MODEL"),
		OpenAICompletionModel: os.Getenv("OPENAI_COMPLETION_MODEL"),
		OpenAIEditModel:       os.Getenv("OPENAI_EDIT_MODEL"),
		StabilityAPIKey:       os.Getenv("STABILITY_API_KEY"),
		StabilityHost:         os.Getenv("STABILITY_API_HOST"),
		StabilityEngine:       os.Getenv("STABILITY_ENGINE"),
		ClipdropAPIKey:        os.Getenv("CLIPDROP_API_KEY"),
		ClipdropHost:          os.Getenv("CLIPDROP_API_HOST"),
		LoopURL:               os.Getenv("LOOP_API_HOST"),
		LoopAuthURL:           os.Getenv("LOOP_API_AUTH_HOST"),
		LoopSenderName:        os.Getenv("LOOP_SENDER_NAME"),
		LoopSecretKey:         os.Getenv("LOOP_AUTH_SECRET_KEY"),
		LoopConversationKey:   os.Getenv("LOOP_SECRET_API_KEY_FOR_CONVERSATION"),
		LoopAuthKey:           os.Getenv("LOOP_AUTH_SECRET_KEY_IMESSAGE_AUTH"),
		LoopBearerToken:       os.Getenv("LOOP_AUTH_BEARER_TOKEN"),
		PurchasesBearerToken:  os.Getenv("PURCHASES_BEARER_TOKEN"),
		ImageBucketURL:        os.Getenv("IMAGE_BUCKET_URL"),
		UserTokenSecret:       os.Getenv("USER_TOKEN_SECRET"),
		Port:                  os.Getenv("PORT"),
		DataDir:               os.Getenv("DATA_DIR"),
	}

	cfg.MaxRetries = invoke.DefaultMaxRetries
	cfg.BaseDelay = invoke.DefaultBaseDelay
	cfg.TokenBuffer = conversation.DefaultTokenBuffer
	cfg.MaxMessageHistory = conversation.DefaultMaxMessageHistory
	cfg.CharacterLimit = DefaultCharacterLimit
	if cfg.Test() {
		cfg.MaxRetries = invoke.TestMaxRetries
		cfg.BaseDelay = invoke.TestBaseDelay
		cfg.TokenBuffer = conversation.TestTokenBuffer
		cfg.MaxMessageHistory = conversation.TestMaxMessageHistory
		cfg.CharacterLimit = TestCharacterLimit
	}

	var err error
	for _, v := range []struct {
		key string
		dst *int
	}{
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"TOKEN_BUFFER", &cfg.TokenBuffer},
		{"MAX_MESSAGE_HISTORY", &cfg.MaxMessageHistory},
		{"LOOP_CHARACTER_LIMIT", &cfg.CharacterLimit},
		{"WEBHOOK_QUEUE_SIZE", &cfg.QueueSize},
		{"WEBHOOK_WORKERS", &cfg.WebhookWorkers},
	} {
		if *v.dst, err = parseIntEnv(v.key, *v.dst); err != nil {
			return nil, err
		}
	}
	if cfg.BaseDelay, err = parseDurationEnv("BASE_DELAY", cfg.BaseDelay); err != nil {
		return nil, err
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WebhookWorkers <= 0 {
		cfg.WebhookWorkers = 4
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
	if cfg.ImageBucketURL == "" {
		abs, err := filepath.Abs(filepath.Join(cfg.DataDir, "bucket"))
		if err != nil {
			return nil, fmt.Errorf("resolving image bucket: %w", err)
		}
		cfg.ImageBucketURL = "file://" + abs
	}

	for _, tok := range []*string{&cfg.LoopBearerToken, &cfg.PurchasesBearerToken} {
		if *tok != "" {
			continue
		}
		if *tok, err = randomHex(16); err != nil {
			return nil, fmt.Errorf("generating bearer token: %w", err)
		}
	}

	if cfg.Test() {
		if cfg.UserTokenSecret == "" {
			if cfg.UserTokenSecret, err = randomHex(32); err != nil {
				return nil, fmt.Errorf("generating user token secret: %w", err)
			}
		}
		return cfg, nil
	}
	for _, req := range []struct {
		name, val string
	}{
		{"LOOP_API_HOST", cfg.LoopURL},
		{"LOOP_API_AUTH_HOST", cfg.LoopAuthURL},
		{"LOOP_SENDER_NAME", cfg.LoopSenderName},
		{"USER_TOKEN_SECRET", cfg.UserTokenSecret},
	} {
		if req.val == "" {
			return nil, fmt.Errorf("required env var %s is not set", req.name)
		}
	}

	return cfg, nil
}

func parseIntEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("env var %s: %w", key, err)
	}
	return n, nil
}

// parseDurationEnv accepts a Go duration ("250ms") or plain milliseconds.
func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("env var %s: %w", key, err)
	}
	return d, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
