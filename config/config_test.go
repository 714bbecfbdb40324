package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var configVars = []string{
	"PORT", "CORS_ORIGIN", "RATE_LIMIT_MAX", "RATE_LIMIT_RECOVERY_MAX", "RATE_LIMIT_WINDOW",
	"MAX_BATCHES", "MAX_BATCH_SIZE", "IPPON_BASE", "PAYMENT_AMOUNT_SAT", "PAYMENT_FREE_REQUESTS",
	"PAYMENT_WINDOW", "PAYMENT_MINT_URLS", "PAYMENT_COLLECTION_MINT", "PAYMENT_COLLECTION_ACCESS_KEY",
	"PAYMENT_FEE_RESERVE_PERCENT", "JOB_RETENTION", "JOB_PRUNE_INTERVAL", "RECOVERY_WORKERS",
	"RECOVERY_QUEUE_SIZE", "HTTP_CLIENT_TIMEOUT", "DATA_DIR", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv unsets the config variables for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configVars {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATA_DIR", "/tmp/nutrecovery")

	config, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.Port != "3003" {
		t.Errorf("expected port 3003 but got %v", config.Port)
	}
	if config.RateLimitMax != 100 || config.RateLimitRecoveryMax != 5 || config.RateLimitWindow != time.Minute {
		t.Errorf("unexpected rate limits: %v %v %v", config.RateLimitMax, config.RateLimitRecoveryMax, config.RateLimitWindow)
	}
	if config.Limits.MaxBatches != 50 || config.Limits.MaxBatchSize != 100 {
		t.Errorf("unexpected limits: %+v", config.Limits)
	}
	if config.IpponBase != "https://ippon.minibits.cash/v1" {
		t.Errorf("unexpected ippon base '%v'", config.IpponBase)
	}
	if config.Payment.Amount != 100 || config.Payment.FreeRequests != 1 || config.Payment.Window != time.Hour {
		t.Errorf("unexpected payment config: %+v", config.Payment)
	}
	if config.Payment.FeeReservePercent != 0.05 {
		t.Errorf("expected fee reserve 0.05 but got %v", config.Payment.FeeReservePercent)
	}
	if len(config.Payment.Mints) != 0 || config.Payment.AccessKey != "" || config.Payment.CollectionMint != "" {
		t.Errorf("unexpected payment config: %+v", config.Payment)
	}
	if config.Jobs.Workers != 4 || config.Jobs.QueueSize != 64 ||
		config.Jobs.Retention != time.Hour || config.Jobs.PruneInterval != 10*time.Minute {
		t.Errorf("unexpected jobs config: %+v", config.Jobs)
	}
	if config.HTTPClientTimeout != 30*time.Second {
		t.Errorf("expected 30s client timeout but got %v", config.HTTPClientTimeout)
	}
	if config.MaxBodyBytes != 10<<20 {
		t.Errorf("expected 10MB body limit but got %v", config.MaxBodyBytes)
	}
	if config.LogLevel != slog.LevelInfo || config.LogFormat != "text" {
		t.Errorf("unexpected log config: %v %v", config.LogLevel, config.LogFormat)
	}
}

func TestClientOptions(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATA_DIR", "/tmp/nutrecovery")
	t.Setenv("MAX_BATCH_SIZE", "25")
	t.Setenv("HTTP_CLIENT_TIMEOUT", "5000")

	config, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	options := config.ClientOptions()
	if options.CheckStateBatchSize != 25 {
		t.Fatalf("expected check state batch size 25 but got %v", options.CheckStateBatchSize)
	}
	if options.Timeout != 5*time.Second {
		t.Fatalf("expected 5s timeout but got %v", options.Timeout)
	}
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("PAYMENT_MINT_URLS", " https://mint.one, ,https://mint.two ")
	t.Setenv("PAYMENT_WINDOW", "1800000")
	t.Setenv("JOB_RETENTION", "2h")
	t.Setenv("PAYMENT_FREE_REQUESTS", "0")
	t.Setenv("PAYMENT_FEE_RESERVE_PERCENT", "0.1")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("DATA_DIR", "/tmp/nutrecovery")

	config, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.Port != "8080" {
		t.Errorf("expected port 8080 but got %v", config.Port)
	}
	expectedMints := []string{"https://mint.one", "https://mint.two"}
	if !reflect.DeepEqual(config.Payment.Mints, expectedMints) {
		t.Errorf("expected mints %v but got %v", expectedMints, config.Payment.Mints)
	}
	if config.Payment.Window != 30*time.Minute {
		t.Errorf("expected 30m window but got %v", config.Payment.Window)
	}
	if config.Jobs.Retention != 2*time.Hour {
		t.Errorf("expected 2h retention but got %v", config.Jobs.Retention)
	}
	if config.Payment.FreeRequests != 0 {
		t.Errorf("expected no free requests but got %v", config.Payment.FreeRequests)
	}
	if config.Payment.FeeReservePercent != 0.1 {
		t.Errorf("expected fee reserve 0.1 but got %v", config.Payment.FeeReservePercent)
	}
	if config.LogLevel != slog.LevelDebug || config.LogFormat != "json" {
		t.Errorf("unexpected log config: %v %v", config.LogLevel, config.LogFormat)
	}

	var buf bytes.Buffer
	config.Logger(&buf).Debug("hello")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("expected json debug log but got '%v'", buf.String())
	}
}

func TestInvalidEnv(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"RATE_LIMIT_MAX", "many"},
		{"PAYMENT_WINDOW", "soon"},
		{"PAYMENT_AMOUNT_SAT", "-1"},
		{"PAYMENT_FEE_RESERVE_PERCENT", "1.5"},
		{"LOG_LEVEL", "loud"},
		{"LOG_FORMAT", "xml"},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DATA_DIR", "/tmp/nutrecovery")
			t.Setenv(test.key, test.value)
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected error for %v=%v", test.key, test.value)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATA_DIR", "/tmp/nutrecovery")
	// already set variables are not overridden
	t.Setenv("MAX_BATCHES", "10")

	envFile := filepath.Join(t.TempDir(), ".env")
	content := "PORT=4000\nMAX_BATCHES=20\nPAYMENT_COLLECTION_MINT=https://collection.mint\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	config, err := Load(envFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Port != "4000" {
		t.Errorf("expected port 4000 but got %v", config.Port)
	}
	if config.Limits.MaxBatches != 10 {
		t.Errorf("expected max batches 10 but got %v", config.Limits.MaxBatches)
	}
	if config.Payment.CollectionMint != "https://collection.mint" {
		t.Errorf("unexpected collection mint '%v'", config.Payment.CollectionMint)
	}

	// missing file is not an error
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
