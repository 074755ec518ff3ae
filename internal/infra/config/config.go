package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig            `yaml:"logger"`
	Tracer       TracerConfig            `yaml:"tracer"`
	Workspace    WorkspaceConfig         `yaml:"workspace"`
	Session      SessionConfig           `yaml:"session"`
	RateLimit    RateLimitConfig         `yaml:"rate_limit"`
	Stream       StreamConfig            `yaml:"stream"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator"`
	Providers    []ProviderConfig        `yaml:"providers"`
	Agents       []AgentConfig           `yaml:"agents"`
	Chains       map[string][]ChainEntry `yaml:"chains"`
	Gateway      GatewayConfig           `yaml:"gateway"`
	Discord      *DiscordConfig          `yaml:"discord,omitempty"` // nil = no discord channel
	Journal      JournalConfig           `yaml:"journal"`
	Includes     []string                `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// WorkspaceConfig holds the workspace root and the conversation mapping file.
type WorkspaceConfig struct {
	Root        string `yaml:"root"`
	MappingFile string `yaml:"mapping_file,omitempty"` // YAML: conversation id -> path under root
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	HistoryCap   int           `yaml:"history_cap"`
}

// RateLimitConfig holds per-action-class admission limits.
type RateLimitConfig struct {
	SweepInterval time.Duration              `yaml:"sweep_interval"`
	Classes       map[string]RateClassConfig `yaml:"classes"`
}

// RateClassConfig is the sliding-window limit of one action class.
type RateClassConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// StreamConfig holds output coalescing settings.
type StreamConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushBytes    int           `yaml:"flush_bytes"`
}

// OrchestratorConfig holds task execution settings.
type OrchestratorConfig struct {
	MaxDelegationDepth int           `yaml:"max_delegation_depth"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	SummaryEntries     int           `yaml:"summary_entries"` // history entries quoted to a delegated role
}

// ProviderConfig holds settings for one backend provider.
type ProviderConfig struct {
	Name   string        `yaml:"name"`
	Type   string        `yaml:"type"` // "subprocess", "http-stream", "local-rest"
	Models []ModelConfig `yaml:"models"`

	// Subprocess-CLI settings.
	Binary    string        `yaml:"binary,omitempty"`
	Args      []string      `yaml:"args,omitempty"`
	Env       []string      `yaml:"env,omitempty"`
	KillGrace time.Duration `yaml:"kill_grace,omitempty"`

	// HTTP settings (http-stream and local-rest).
	BaseURL      string            `yaml:"base_url,omitempty"`
	Path         string            `yaml:"path,omitempty"`
	HealthPath   string            `yaml:"health_path,omitempty"`
	APIKey       string            `yaml:"api_key,omitempty"`
	APIKeyHeader string            `yaml:"api_key_header,omitempty"` // default "Authorization: Bearer"
	Headers      map[string]string `yaml:"headers,omitempty"`
	TextPath     string            `yaml:"text_path,omitempty"` // gjson path of the text fragment
	Stream       bool              `yaml:"stream,omitempty"`    // local-rest only
	Auth         *TokenAuthConfig  `yaml:"auth,omitempty"`

	ConnTimeout    time.Duration         `yaml:"conn_timeout"`
	RespTimeout    time.Duration         `yaml:"resp_timeout"`
	Pool           PoolConfig            `yaml:"pool"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
}

// ModelConfig is one model a provider serves. Rank 1 is the newest generation.
type ModelConfig struct {
	ID   string `yaml:"id"`
	Rank int    `yaml:"rank"`
}

// TokenAuthConfig configures a short-lived bearer token source.
type TokenAuthConfig struct {
	Method       string        `yaml:"method"` // "command" or "client_credentials"
	Command      string        `yaml:"command,omitempty"`
	Args         []string      `yaml:"args,omitempty"`
	TokenURL     string        `yaml:"token_url,omitempty"`
	ClientID     string        `yaml:"client_id,omitempty"`
	ClientSecret string        `yaml:"client_secret,omitempty"`
	Scopes       []string      `yaml:"scopes,omitempty"`
	TTL          time.Duration `yaml:"ttl,omitempty"`
	SafetyMargin time.Duration `yaml:"safety_margin,omitempty"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig configures the per-provider circuit breaker.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// AgentConfig describes one role.
type AgentConfig struct {
	Role         string        `yaml:"role"`
	Description  string        `yaml:"description"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Capabilities []string      `yaml:"capabilities,omitempty"`
	Risk         string        `yaml:"risk"`
	Provider     string        `yaml:"provider"`
	Sandbox      bool          `yaml:"sandbox"`
	AutoApprove  bool          `yaml:"auto_approve"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
}

// ChainEntry is one (provider, model) step of a role's fallback chain.
type ChainEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// GatewayConfig holds the WebSocket RPC gateway settings.
type GatewayConfig struct {
	Enabled        bool       `yaml:"enabled"`
	Addr           string     `yaml:"addr"`
	Auth           AuthConfig `yaml:"auth"`
	RequestsPerMin int        `yaml:"requests_per_min"`
	Burst          int        `yaml:"burst"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
}

// DiscordConfig holds Discord channel settings.
type DiscordConfig struct {
	Token      string   `yaml:"token"`
	ChannelIDs []string `yaml:"channel_ids,omitempty"`
	Prefix     string   `yaml:"prefix"`
}

// JournalConfig holds the task journal settings.
type JournalConfig struct {
	Path      string        `yaml:"path"`      // empty = journal disabled
	Retention time.Duration `yaml:"retention"` // 0 = keep forever
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".conductor", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Workspace: WorkspaceConfig{
			Root: ".",
		},
		Session: SessionConfig{
			TTL:          time.Hour,
			ReapInterval: 5 * time.Minute,
			HistoryCap:   50,
		},
		RateLimit: RateLimitConfig{
			SweepInterval: 10 * time.Minute,
			Classes: map[string]RateClassConfig{
				"default": {Limit: 30, Window: time.Minute},
				"shell":   {Limit: 15, Window: time.Minute},
			},
		},
		Stream: StreamConfig{
			FlushInterval: 2 * time.Second,
			FlushBytes:    1500,
		},
		Orchestrator: OrchestratorConfig{
			MaxDelegationDepth: 3,
			TaskTimeout:        10 * time.Minute,
			SummaryEntries:     6,
		},
		Chains: map[string][]ChainEntry{},
		Gateway: GatewayConfig{
			Addr:           "127.0.0.1:8787",
			RequestsPerMin: 120,
			Burst:          20,
		},
		Journal: JournalConfig{
			Path:      filepath.Join(dataDir, "tasks.db"),
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, applies includes, env overrides and secret
// decryption, then validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CONDUCTOR_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CONDUCTOR_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CONDUCTOR_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CONDUCTOR_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CONDUCTOR_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CONDUCTOR_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("CONDUCTOR_WORKSPACE_MAPPING_FILE"); v != "" {
		cfg.Workspace.MappingFile = v
	}
	if v := os.Getenv("CONDUCTOR_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Session.TTL = d
		}
	}
	if v := os.Getenv("CONDUCTOR_ORCHESTRATOR_MAX_DELEGATION_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Orchestrator.MaxDelegationDepth = n
		}
	}
	if v := os.Getenv("CONDUCTOR_ORCHESTRATOR_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Orchestrator.TaskTimeout = d
		}
	}
	if v := os.Getenv("CONDUCTOR_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv("CONDUCTOR_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("CONDUCTOR_GATEWAY_TOKENS"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = nil
		for i, tok := range splitAndTrim(v, ",") {
			if tok == "" {
				continue
			}
			cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
				Token: tok,
				Name:  fmt.Sprintf("env-%d", i),
			})
		}
	}
	if v := os.Getenv("CONDUCTOR_DISCORD_TOKEN"); v != "" {
		if cfg.Discord == nil {
			cfg.Discord = &DiscordConfig{Prefix: "!"}
		}
		cfg.Discord.Token = v
	}
	if v := os.Getenv("CONDUCTOR_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}

	// Per-provider API keys: CONDUCTOR_PROVIDER_<NAME>_API_KEY.
	for i := range cfg.Providers {
		env := "CONDUCTOR_PROVIDER_" + envName(cfg.Providers[i].Name) + "_API_KEY"
		if v := os.Getenv(env); v != "" {
			cfg.Providers[i].APIKey = v
		}
	}
}

func envName(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secrets and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	type secret struct {
		name  string
		field *string
	}
	var secrets []secret

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		secrets = append(secrets, secret{"provider " + p.Name + " api_key", &p.APIKey})
		if p.Auth != nil {
			secrets = append(secrets, secret{"provider " + p.Name + " client_secret", &p.Auth.ClientSecret})
		}
	}
	for i := range cfg.Gateway.Auth.Tokens {
		tok := &cfg.Gateway.Auth.Tokens[i]
		secrets = append(secrets, secret{"gateway auth token " + tok.Name, &tok.Token})
	}
	if cfg.Discord != nil {
		secrets = append(secrets, secret{"discord token", &cfg.Discord.Token})
	}

	for _, s := range secrets {
		if !strings.HasPrefix(*s.field, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*s.field, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.field = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
