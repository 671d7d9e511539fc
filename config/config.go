// Package config loads the relay daemon configuration from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/relay/utils/json"
)

// Config holds everything the daemon needs at startup.
type Config struct {
	// RelayToken authenticates backend pushes to the relay. Required.
	RelayToken string

	// BackendBaseURL is the application backend root, e.g.
	// https://backend.example.com. Required.
	BackendBaseURL string

	// BackendToken is the bearer token for result callbacks. Defaults to
	// RelayToken.
	BackendToken string

	// RelayInstanceID identifies this relay process in callbacks. Generated
	// as host-pid-rand when unset.
	RelayInstanceID string

	// TaskTimeout bounds a single chat task end to end.
	TaskTimeout time.Duration

	// Concurrency is the queue worker count.
	Concurrency int

	// PullInterval enables the optional backend poll loop when positive.
	PullInterval time.Duration

	// FlowLogPath enables the per-message JSONL flow log when set.
	FlowLogPath string

	LogLevel  string
	LogFormat string

	Push    Push
	Gateway Gateway
	STT     STT
}

// Push configures the inbound HTTP server.
type Push struct {
	Port                  int
	Path                  string
	RateLimitPerSec       int
	MaxConcurrentRequests int
	MaxQueue              int
}

// Gateway configures the OpenClaw Gateway websocket client.
type Gateway struct {
	// URL is the gateway websocket endpoint.
	URL string

	// Token and Password authenticate the connect request. When Token is
	// empty it is read from the OpenClaw config file at ConfigPath.
	Token    string
	Password string

	Role   string
	Scopes []string

	// DeviceIdentity controls whether connects carry a signed device block.
	DeviceIdentity bool

	// StateDir is the OpenClaw state root: sessions, uploads, identity.
	StateDir string

	// ConfigPath points at the OpenClaw config JSON.
	ConfigPath string
}

// STT configures optional speech-to-text for audio attachments.
type STT struct {
	// Provider is one of "deepgram" or "openai"; empty disables STT.
	Provider string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

// Load reads the configuration from the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	var errs []error

	intVar := func(key string, def int) int {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: not an integer: %q", key, v))
			return def
		}
		return n
	}
	msVar := func(key string, def time.Duration) time.Duration {
		return time.Duration(intVar(key, int(def/time.Millisecond))) * time.Millisecond
	}
	strVar := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	boolVar := func(key string, def bool) bool {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: not a boolean: %q", key, v))
			return def
		}
		return b
	}

	cfg := &Config{
		RelayToken:      os.Getenv("RELAY_TOKEN"),
		BackendBaseURL:  os.Getenv("BACKEND_BASE_URL"),
		BackendToken:    os.Getenv("BACKEND_TOKEN"),
		RelayInstanceID: os.Getenv("RELAY_INSTANCE_ID"),
		TaskTimeout:     msVar("RELAY_TASK_TIMEOUT_MS", 5*time.Minute),
		Concurrency:     intVar("RELAY_CONCURRENCY", 2),
		PullInterval:    msVar("RELAY_PULL_INTERVAL_MS", 0),
		FlowLogPath:     os.Getenv("MESSAGE_FLOW_LOG"),
		LogLevel:        strVar("LOG_LEVEL", "info"),
		LogFormat:       strVar("LOG_FORMAT", "text"),

		Push: Push{
			Port:                  intVar("RELAY_PUSH_PORT", 8080),
			Path:                  strVar("RELAY_PUSH_PATH", "/relay/messages"),
			RateLimitPerSec:       intVar("RELAY_PUSH_RATE_LIMIT_PER_SEC", 10),
			MaxConcurrentRequests: intVar("RELAY_PUSH_MAX_CONCURRENT_REQUESTS", 16),
			MaxQueue:              intVar("RELAY_PUSH_MAX_QUEUE", 100),
		},

		Gateway: Gateway{
			URL:            strVar("OPENCLAW_GATEWAY_WS_URL", "ws://127.0.0.1:18789"),
			Token:          os.Getenv("OPENCLAW_GATEWAY_TOKEN"),
			Password:       os.Getenv("OPENCLAW_GATEWAY_PASSWORD"),
			Role:           "operator",
			Scopes:         splitScopes(strVar("OPENCLAW_SCOPES", "operator.admin")),
			DeviceIdentity: boolVar("OPENCLAW_DEVICE_IDENTITY", true),
			StateDir:       strVar("OPENCLAW_STATE_DIR", "~/.openclaw"),
			ConfigPath:     strVar("OPENCLAW_CONFIG_PATH", "~/.openclaw/openclaw.json"),
		},

		STT: STT{
			Provider: strings.ToLower(os.Getenv("STT_PROVIDER")),
			APIKey:   os.Getenv("STT_API_KEY"),
			Model:    os.Getenv("STT_MODEL"),
			Language: os.Getenv("STT_LANGUAGE"),
			Timeout:  msVar("STT_TIMEOUT_MS", 30*time.Second),
		},
	}

	if err := cfg.applyDefaults(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, cfg.validate()...)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.BackendToken == "" {
		c.BackendToken = c.RelayToken
	}

	if c.RelayInstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			return err
		}
		c.RelayInstanceID = id
	}

	var err error
	if c.Gateway.StateDir, err = expandHome(c.Gateway.StateDir); err != nil {
		return err
	}
	if c.Gateway.ConfigPath, err = expandHome(c.Gateway.ConfigPath); err != nil {
		return err
	}

	// The gateway token commonly lives in the OpenClaw config file rather
	// than the environment.
	if c.Gateway.Token == "" && c.Gateway.Password == "" {
		token, password := readGatewayAuth(c.Gateway.ConfigPath)
		c.Gateway.Token = token
		c.Gateway.Password = password
	}

	if c.STT.Model == "" {
		switch c.STT.Provider {
		case "deepgram":
			c.STT.Model = "nova-2"
		case "openai":
			c.STT.Model = "whisper-1"
		}
	}

	return nil
}

func (c *Config) validate() []error {
	var errs []error

	if c.RelayToken == "" {
		errs = append(errs, errors.New("RELAY_TOKEN is required"))
	}

	if c.BackendBaseURL == "" {
		errs = append(errs, errors.New("BACKEND_BASE_URL is required"))
	} else if u, err := url.Parse(c.BackendBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("BACKEND_BASE_URL: not an http(s) URL: %q", c.BackendBaseURL))
	}

	if u, err := url.Parse(c.Gateway.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("OPENCLAW_GATEWAY_WS_URL: not a ws(s) URL: %q", c.Gateway.URL))
	}

	if c.TaskTimeout < time.Second {
		errs = append(errs, fmt.Errorf("RELAY_TASK_TIMEOUT_MS: must be at least 1000, got %d", c.TaskTimeout/time.Millisecond))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("RELAY_CONCURRENCY: must be positive, got %d", c.Concurrency))
	}

	if c.Push.Port < 1 || c.Push.Port > 65535 {
		errs = append(errs, fmt.Errorf("RELAY_PUSH_PORT: out of range: %d", c.Push.Port))
	}
	if !strings.HasPrefix(c.Push.Path, "/") {
		errs = append(errs, fmt.Errorf("RELAY_PUSH_PATH: must start with /: %q", c.Push.Path))
	}
	if c.Push.RateLimitPerSec < 1 {
		errs = append(errs, fmt.Errorf("RELAY_PUSH_RATE_LIMIT_PER_SEC: must be positive, got %d", c.Push.RateLimitPerSec))
	}
	if c.Push.MaxConcurrentRequests < 1 {
		errs = append(errs, fmt.Errorf("RELAY_PUSH_MAX_CONCURRENT_REQUESTS: must be positive, got %d", c.Push.MaxConcurrentRequests))
	}
	if c.Push.MaxQueue < 1 {
		errs = append(errs, fmt.Errorf("RELAY_PUSH_MAX_QUEUE: must be positive, got %d", c.Push.MaxQueue))
	}

	switch c.STT.Provider {
	case "", "deepgram", "openai":
	default:
		errs = append(errs, fmt.Errorf("STT_PROVIDER: unknown provider %q", c.STT.Provider))
	}
	if c.STT.Provider != "" && c.STT.APIKey == "" {
		errs = append(errs, errors.New("STT_API_KEY is required when STT_PROVIDER is set"))
	}
	if c.STT.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("STT_TIMEOUT_MS: must be positive, got %d", c.STT.Timeout/time.Millisecond))
	}

	return errs
}

func splitScopes(csv string) []string {
	parts := strings.Split(csv, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			scopes = append(scopes, p)
		}
	}
	return scopes
}

func generateInstanceID() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "relay"
	}

	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("cannot generate instance id: %w", err)
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(b[:])), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory for %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// openclawConfig is the subset of the OpenClaw config file the relay reads.
type openclawConfig struct {
	Gateway struct {
		Auth struct {
			Token    string `json:"token"`
			Password string `json:"password"`
		} `json:"auth"`
	} `json:"gateway"`
}

// readGatewayAuth best-effort reads gateway credentials from the OpenClaw
// config file. A missing or malformed file simply yields no credentials.
func readGatewayAuth(path string) (token, password string) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", ""
	}

	var cfg openclawConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return "", ""
	}
	return cfg.Gateway.Auth.Token, cfg.Gateway.Auth.Password
}
