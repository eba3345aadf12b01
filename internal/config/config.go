package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	WSBase    string
	APIBase   string
	ChatBase  string
	AssetBase string

	Token    string
	UserID   string
	Username string

	ConnectTimeout time.Duration
	Heartbeat      time.Duration
	MaxReconnect   int
	MaxMessages    int
	MemberPageSize int

	// Transcript is the bbolt file confirmed messages are archived to. Empty disables it.
	Transcript string

	LogLevel   string
	LogFormat  string
	LogBackend string
}

// Load reads the environment. With tokenOptional set a missing CHAT_TOKEN is
// accepted, for commands that never talk to the server.
func Load(tokenOptional bool) (*Config, error) {
	connectTimeout, err := time.ParseDuration(getEnv("CHAT_CONNECT_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_CONNECT_TIMEOUT: %w", err)
	}
	heartbeat, err := time.ParseDuration(getEnv("CHAT_HEARTBEAT", "60s"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_HEARTBEAT: %w", err)
	}
	maxReconnect, err := strconv.Atoi(getEnv("CHAT_MAX_RECONNECT", "5"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_MAX_RECONNECT: %w", err)
	}
	maxMessages, err := strconv.Atoi(getEnv("CHAT_MAX_MESSAGES", "100"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_MAX_MESSAGES: %w", err)
	}
	pageSize, err := strconv.Atoi(getEnv("CHAT_MEMBER_PAGE_SIZE", "50"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_MEMBER_PAGE_SIZE: %w", err)
	}

	apiBase := getEnv("CHAT_API_BASE", "http://localhost:8080/api")
	cfg := &Config{
		WSBase:         getEnv("CHAT_WS_BASE", "ws://localhost:8080"),
		APIBase:        apiBase,
		ChatBase:       getEnv("CHAT_BASE", "http://localhost:8080"),
		AssetBase:      getEnv("CHAT_ASSET_BASE", strings.TrimSuffix(apiBase, "/api")),
		Token:          os.Getenv("CHAT_TOKEN"),
		UserID:         os.Getenv("CHAT_USER_ID"),
		Username:       os.Getenv("CHAT_USERNAME"),
		ConnectTimeout: connectTimeout,
		Heartbeat:      heartbeat,
		MaxReconnect:   maxReconnect,
		MaxMessages:    maxMessages,
		MemberPageSize: pageSize,
		Transcript:     os.Getenv("CHAT_TRANSCRIPT"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		LogBackend:     getEnv("LOG_BACKEND", "std"),
	}

	if err := cfg.Validate(tokenOptional); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(tokenOptional bool) error {
	if c.Token == "" && !tokenOptional {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.Token != "" && c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	for name, base := range map[string]string{"CHAT_WS_BASE": c.WSBase, "CHAT_API_BASE": c.APIBase, "CHAT_BASE": c.ChatBase} {
		if base == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}

	if !strings.HasPrefix(c.WSBase, "ws://") && !strings.HasPrefix(c.WSBase, "wss://") {
		return fmt.Errorf("CHAT_WS_BASE must start with ws:// or wss://")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CHAT_CONNECT_TIMEOUT must be greater than 0")
	}

	if c.Heartbeat <= 0 {
		return fmt.Errorf("CHAT_HEARTBEAT must be greater than 0")
	}

	if c.MaxReconnect < 0 {
		return fmt.Errorf("CHAT_MAX_RECONNECT must not be negative")
	}

	if c.MaxMessages <= 0 || c.MemberPageSize <= 0 {
		return fmt.Errorf("CHAT_MAX_MESSAGES and CHAT_MEMBER_PAGE_SIZE must be greater than 0")
	}

	switch c.LogBackend {
	case "std", "zap":
	default:
		return fmt.Errorf("LOG_BACKEND must be std or zap")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
