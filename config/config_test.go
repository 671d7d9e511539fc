package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"RELAY_TOKEN", "BACKEND_BASE_URL", "BACKEND_TOKEN", "RELAY_INSTANCE_ID",
		"RELAY_TASK_TIMEOUT_MS", "RELAY_CONCURRENCY", "RELAY_PULL_INTERVAL_MS",
		"MESSAGE_FLOW_LOG", "LOG_LEVEL", "LOG_FORMAT",
		"RELAY_PUSH_PORT", "RELAY_PUSH_PATH", "RELAY_PUSH_RATE_LIMIT_PER_SEC",
		"RELAY_PUSH_MAX_CONCURRENT_REQUESTS", "RELAY_PUSH_MAX_QUEUE",
		"OPENCLAW_GATEWAY_WS_URL", "OPENCLAW_GATEWAY_TOKEN", "OPENCLAW_GATEWAY_PASSWORD",
		"OPENCLAW_SCOPES", "OPENCLAW_DEVICE_IDENTITY", "OPENCLAW_STATE_DIR",
		"OPENCLAW_CONFIG_PATH",
		"STT_PROVIDER", "STT_API_KEY", "STT_MODEL", "STT_LANGUAGE", "STT_TIMEOUT_MS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_TOKEN", "secret")
	t.Setenv("BACKEND_BASE_URL", "https://backend.example.com")
	// Keep the OpenClaw paths inside the sandbox.
	t.Setenv("OPENCLAW_STATE_DIR", t.TempDir())
	t.Setenv("OPENCLAW_CONFIG_PATH", filepath.Join(t.TempDir(), "openclaw.json"))
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.RelayToken)
	assert.Equal(t, "secret", cfg.BackendToken, "backend token defaults to relay token")
	assert.Equal(t, 5*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, 8080, cfg.Push.Port)
	assert.Equal(t, "/relay/messages", cfg.Push.Path)
	assert.Equal(t, 10, cfg.Push.RateLimitPerSec)
	assert.Equal(t, 16, cfg.Push.MaxConcurrentRequests)
	assert.Equal(t, 100, cfg.Push.MaxQueue)
	assert.Equal(t, "ws://127.0.0.1:18789", cfg.Gateway.URL)
	assert.Equal(t, []string{"operator.admin"}, cfg.Gateway.Scopes)
	assert.Equal(t, "operator", cfg.Gateway.Role)
	assert.True(t, cfg.Gateway.DeviceIdentity)
	assert.Empty(t, cfg.STT.Provider)

	// host-pid-rand
	parts := strings.Split(cfg.RelayInstanceID, "-")
	require.GreaterOrEqual(t, len(parts), 3)
}

func TestLoadMissingRequired(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_TOKEN is required")
	assert.Contains(t, err.Error(), "BACKEND_BASE_URL is required")
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("BACKEND_BASE_URL", "ftp://nope")
	t.Setenv("RELAY_CONCURRENCY", "0")
	t.Setenv("RELAY_PUSH_PORT", "70000")
	t.Setenv("RELAY_PUSH_MAX_QUEUE", "banana")
	t.Setenv("STT_PROVIDER", "whisperx")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKEND_BASE_URL")
	assert.Contains(t, err.Error(), "RELAY_CONCURRENCY")
	assert.Contains(t, err.Error(), "RELAY_PUSH_PORT")
	assert.Contains(t, err.Error(), "RELAY_PUSH_MAX_QUEUE")
	assert.Contains(t, err.Error(), "STT_PROVIDER")
}

func TestLoadScopesCSV(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("OPENCLAW_SCOPES", "operator.admin, chat.write ,,chat.read")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"operator.admin", "chat.write", "chat.read"}, cfg.Gateway.Scopes)
}

func TestLoadGatewayAuthFromConfigFile(t *testing.T) {
	clearEnv(t)
	setRequired(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "openclaw.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"gateway":{"auth":{"token":"file-token"}}}`), 0o600))
	t.Setenv("OPENCLAW_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.Gateway.Token)

	// The environment wins over the file.
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "env-token")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Gateway.Token)
}

func TestLoadSTT(t *testing.T) {
	clearEnv(t)
	setRequired(t)
	t.Setenv("STT_PROVIDER", "deepgram")

	_, err := Load()
	require.Error(t, err, "provider without api key must fail")

	t.Setenv("STT_API_KEY", "k")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "nova-2", cfg.STT.Model, "model defaults per provider")
	assert.Equal(t, 30*time.Second, cfg.STT.Timeout)

	t.Setenv("STT_PROVIDER", "openai")
	t.Setenv("STT_MODEL", "")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "whisper-1", cfg.STT.Model)
}
