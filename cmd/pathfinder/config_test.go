package main

import (
	"strings"
	"testing"

	toml "github.com/pelletier/go-toml/v2"
)

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PATHFINDER_TOKEN":    "env-token-123456",
		"PATHFINDER_BASE_URL": "http://localhost:4000",
	}
	cfg := &Config{Auth: ConfigAuth{Token: "file-token", UserID: "u1"}}

	sources, err := applyEnv(cfg, func(k string) string { return env[k] })
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.Token != "env-token-123456" || cfg.Default.BaseURL != "http://localhost:4000" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Auth.UserID != "u1" {
		t.Fatalf("user id overwritten: %q", cfg.Auth.UserID)
	}
	if len(sources) != 2 || sources["auth.token"] != "PATHFINDER_TOKEN" || sources["default.base_url"] != "PATHFINDER_BASE_URL" {
		t.Fatalf("sources = %v", sources)
	}
}

func TestRenderConfig(t *testing.T) {
	cfg := &Config{
		Default: ConfigDefault{BaseURL: "http://localhost:4000"},
		Auth:    ConfigAuth{Token: "abcdefghijklmnop", UserID: "u1"},
		Sync:    ConfigSync{PollInterval: "3s", PageSize: 30, AutoReconnect: true},
	}

	t.Run("masks token and names overrides", func(t *testing.T) {
		out, err := renderConfig(cfg, map[string]string{"default.base_url": "PATHFINDER_BASE_URL", "auth.token": "PATHFINDER_TOKEN"})
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(out, "abcdefghijklmnop") || !strings.Contains(out, "abcd...mnop") {
			t.Fatalf("token not masked:\n%s", out)
		}
		if !strings.Contains(out, "auth.token <- PATHFINDER_TOKEN") || !strings.Contains(out, "default.base_url <- PATHFINDER_BASE_URL") {
			t.Fatalf("overrides missing:\n%s", out)
		}
		if strings.Index(out, "auth.token <-") > strings.Index(out, "default.base_url <-") {
			t.Fatalf("overrides not sorted:\n%s", out)
		}

		var back Config
		if err := toml.Unmarshal([]byte(out), &back); err != nil {
			t.Fatalf("output is not valid TOML: %v", err)
		}
		if back.Auth.UserID != "u1" || back.Sync.PageSize != 30 || !back.Sync.AutoReconnect {
			t.Fatalf("round trip = %+v", back)
		}
	})

	t.Run("leaves caller config untouched", func(t *testing.T) {
		if _, err := renderConfig(cfg, nil); err != nil {
			t.Fatal(err)
		}
		if cfg.Auth.Token != "abcdefghijklmnop" {
			t.Fatalf("token mutated: %q", cfg.Auth.Token)
		}
	})

	t.Run("no overrides block without sources", func(t *testing.T) {
		out, err := renderConfig(cfg, nil)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(out, "from the environment") {
			t.Fatalf("unexpected overrides block:\n%s", out)
		}
	})
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key   string
		value string
		ok    bool
	}{
		{"default.timeout", "45s", true},
		{"default.timeout", "soon", false},
		{"sync.page_size", "50", true},
		{"sync.page_size", "0", false},
		{"sync.auto_reconnect", "false", true},
		{"sync.auto_reconnect", "maybe", false},
		{"auth.user_id", "u2", true},
		{"auth.unknown", "x", false},
		{"nodot", "x", false},
		{"other.key", "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			err := setConfigValue(&Config{}, tt.key, tt.value)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
