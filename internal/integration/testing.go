package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	CLIBinary   string // subprocess backend to drive, e.g. a real agent CLI
	CLIModel    string
	TestTimeout time.Duration
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	model := os.Getenv("CONDUCTOR_TEST_CLI_MODEL")
	if model == "" {
		model = "default"
	}
	return &Config{
		CLIBinary:   os.Getenv("CONDUCTOR_TEST_CLI"),
		CLIModel:    model,
		TestTimeout: 60 * time.Second,
	}
}

// SkipIfNoBinary skips the test if the backend binary is not configured
func SkipIfNoBinary(t *testing.T, path string) {
	t.Helper()
	if path == "" {
		t.Skip("Skipping subprocess integration test: CONDUCTOR_TEST_CLI not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
