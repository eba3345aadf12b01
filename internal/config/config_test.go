package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Setenv("CHAT_TOKEN", "tok")
		t.Setenv("CHAT_USER_ID", "u1")

		cfg, err := Load(false)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.ConnectTimeout != 5*time.Second || cfg.Heartbeat != 60*time.Second {
			t.Errorf("unexpected timers: %v %v", cfg.ConnectTimeout, cfg.Heartbeat)
		}
		if cfg.MaxReconnect != 5 || cfg.MaxMessages != 100 || cfg.MemberPageSize != 50 {
			t.Errorf("unexpected limits: %+v", cfg)
		}
		if cfg.AssetBase != "http://localhost:8080" {
			t.Errorf("expected asset base derived from api base, got %s", cfg.AssetBase)
		}
	})

	t.Run("MissingToken", func(t *testing.T) {
		t.Setenv("CHAT_TOKEN", "")
		if _, err := Load(false); err == nil {
			t.Error("expected error without token")
		}
		if _, err := Load(true); err != nil {
			t.Errorf("token should be optional, got %v", err)
		}
	})

	t.Run("InvalidValues", func(t *testing.T) {
		t.Setenv("CHAT_TOKEN", "tok")
		t.Setenv("CHAT_USER_ID", "u1")

		cases := map[string]string{
			"CHAT_CONNECT_TIMEOUT": "soon",
			"CHAT_HEARTBEAT":       "0s",
			"CHAT_MAX_RECONNECT":   "-1",
			"CHAT_WS_BASE":         "http://localhost",
			"LOG_BACKEND":          "syslog",
		}
		for key, value := range cases {
			t.Run(key, func(t *testing.T) {
				t.Setenv(key, value)
				if _, err := Load(false); err == nil {
					t.Errorf("expected error for %s=%s", key, value)
				}
			})
		}
	})
}
