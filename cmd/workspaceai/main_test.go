package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lox/workspaceai/internal/agent"
	"github.com/lox/workspaceai/internal/tools"
)

func TestParseCLIUsesLegacyOpenAIEnvFallback(t *testing.T) {
	t.Setenv("WORKSPACEAI_ORACLE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "legacy-key")
	t.Setenv("WORKSPACEAI_ORACLE_BASE_URL", "")
	t.Setenv("OPENAI_BASE_URL", "https://legacy-base.example/v1")

	cfg, err := parseCLI(nil)
	if err != nil {
		t.Fatalf("parse cli: %v", err)
	}
	if cfg.OracleAPIKey != "legacy-key" {
		t.Fatalf("expected legacy api key fallback, got %q", cfg.OracleAPIKey)
	}
	if cfg.OracleBaseURL != "https://legacy-base.example/v1" {
		t.Fatalf("expected legacy base url fallback, got %q", cfg.OracleBaseURL)
	}
}

func TestParseCLIPrefersFlagOverLegacyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "legacy-key")

	cfg, err := parseCLI([]string{"--oracle-api-key=flag-key"})
	if err != nil {
		t.Fatalf("parse cli: %v", err)
	}
	if cfg.OracleAPIKey != "flag-key" {
		t.Fatalf("expected flag to override legacy env, got %q", cfg.OracleAPIKey)
	}
}

func TestParseCLIDefaults(t *testing.T) {
	t.Setenv("WORKSPACEAI_STORE_BACKEND", "")
	t.Setenv("WORKSPACEAI_TOOL_BACKEND", "")

	cfg, err := parseCLI(nil)
	if err != nil {
		t.Fatalf("parse cli: %v", err)
	}
	if cfg.StoreBackend != "sqlite" || cfg.ToolBackend != "stub" || cfg.GoogleCalendarID != "primary" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RespondRate != 1 || cfg.RespondBurst != 5 {
		t.Fatalf("unexpected rate defaults: %v/%d", cfg.RespondRate, cfg.RespondBurst)
	}
}

func TestParseCLIRejectsUnknownBackend(t *testing.T) {
	if _, err := parseCLI([]string{"--store-backend=postgres"}); err == nil {
		t.Fatal("expected enum violation")
	}
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	if _, err := newLogger("nope", "text"); err == nil {
		t.Fatalf("expected invalid log level error")
	}
}

func TestNewRegistryBackends(t *testing.T) {
	stub, err := newRegistry(cliConfig{ToolBackend: "stub"}, nil, nil)
	if err != nil {
		t.Fatalf("stub registry: %v", err)
	}
	if len(stub.Names()) != len(agent.AllFunctions) {
		t.Fatalf("expected every function registered, got %v", stub.Names())
	}

	if _, err := newRegistry(cliConfig{ToolBackend: "google"}, nil, nil); err == nil {
		t.Fatal("expected google backend without oauth to fail")
	}

	oauth := tools.NewGoogleOAuthConfig("id", "secret", "https://example.com/auth/google/callback")
	google, err := newRegistry(cliConfig{ToolBackend: "google", GoogleCalendarID: "primary"}, oauth, nil)
	if err != nil {
		t.Fatalf("google registry: %v", err)
	}
	if len(google.Names()) != len(agent.AllFunctions) {
		t.Fatalf("expected every function registered, got %v", google.Names())
	}
}

func TestParseDotEnvLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		key     string
		value   string
		ok      bool
		wantErr bool
	}{
		{name: "empty", line: "", ok: false},
		{name: "comment", line: "# comment", ok: false},
		{name: "simple", line: "OPENAI_API_KEY=abc123", key: "OPENAI_API_KEY", value: "abc123", ok: true},
		{name: "export", line: "export OPENAI_API_KEY=abc123", key: "OPENAI_API_KEY", value: "abc123", ok: true},
		{name: "double quoted", line: "WORKSPACEAI_JWT_SECRET=\"abc 123\"", key: "WORKSPACEAI_JWT_SECRET", value: "abc 123", ok: true},
		{name: "single quoted", line: "WORKSPACEAI_JWT_SECRET='abc 123'", key: "WORKSPACEAI_JWT_SECRET", value: "abc 123", ok: true},
		{name: "value with equals", line: "WORKSPACEAI_GOOGLE_REDIRECT_URL=https://x.example/cb?a=b", key: "WORKSPACEAI_GOOGLE_REDIRECT_URL", value: "https://x.example/cb?a=b", ok: true},
		{name: "invalid", line: "OPENAI_API_KEY", wantErr: true},
		{name: "empty key", line: "=value", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			key, value, ok, err := parseDotEnvLine(tc.line)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tc.ok || key != tc.key || value != tc.value {
				t.Fatalf("got (%q, %q, %v), want (%q, %q, %v)", key, value, ok, tc.key, tc.value, tc.ok)
			}
		})
	}
}

func TestLoadDotEnvFileSetsMissingValuesOnly(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("WORKSPACEAI_MODEL_PRIMARY", "already-set")

	path := filepath.Join(t.TempDir(), ".env")
	content := "OPENAI_API_KEY=from-dotenv\nWORKSPACEAI_MODEL_PRIMARY=from-dotenv\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := loadDotEnvFile(path); err != nil {
		t.Fatalf("load .env: %v", err)
	}
	if got := os.Getenv("OPENAI_API_KEY"); got != "from-dotenv" {
		t.Fatalf("OPENAI_API_KEY mismatch: got=%q", got)
	}
	if got := os.Getenv("WORKSPACEAI_MODEL_PRIMARY"); got != "already-set" {
		t.Fatalf("expected existing value to win, got=%q", got)
	}
}

func TestLoadDotEnvFileMissingIsNotAnError(t *testing.T) {
	if err := loadDotEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
