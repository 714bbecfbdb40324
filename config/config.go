// Package config reads the recovery service settings from
// the environment, optionally loaded from a .env file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/elnosh/nutrecovery/client"
	"github.com/elnosh/nutrecovery/jobs"
	"github.com/elnosh/nutrecovery/payment"
	"github.com/elnosh/nutrecovery/recovery"
	"github.com/elnosh/nutrecovery/settlement"
	"github.com/joho/godotenv"
)

const (
	DefaultPort               = "3003"
	DefaultRateLimitMax       = 100
	DefaultRateLimitRecovery  = 5
	DefaultRateLimitWindow    = time.Minute
	DefaultMaxBatches         = 50
	DefaultMaxBatchSize       = 100
	DefaultMaxBodyBytes int64 = 10 << 20
)

type PaymentConfig struct {
	Amount            uint64
	FreeRequests      int
	Window            time.Duration
	Mints             []string
	CollectionMint    string
	AccessKey         string
	FeeReservePercent float64
}

type Config struct {
	Port       string
	CORSOrigin string

	RateLimitMax         int
	RateLimitRecoveryMax int
	RateLimitWindow      time.Duration
	MaxBodyBytes         int64

	Limits    recovery.Limits
	IpponBase string
	Payment   PaymentConfig
	Jobs      jobs.Config

	HTTPClientTimeout time.Duration
	DataDir           string

	LogLevel  slog.Level
	LogFormat string
}

// Load loads envFile into the environment, if it exists, and
// reads the config from it. Variables already set take precedence.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("error loading env file: %v", err)
			}
		}
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	var err error
	config := &Config{
		Port:       getEnv("PORT", DefaultPort),
		CORSOrigin: getEnv("CORS_ORIGIN", "*"),
		IpponBase:  getEnv("IPPON_BASE", settlement.DefaultIpponBase),
		LogFormat:  strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	if config.RateLimitMax, err = getInt("RATE_LIMIT_MAX", DefaultRateLimitMax); err != nil {
		return nil, err
	}
	if config.RateLimitRecoveryMax, err = getInt("RATE_LIMIT_RECOVERY_MAX", DefaultRateLimitRecovery); err != nil {
		return nil, err
	}
	if config.RateLimitWindow, err = getDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow); err != nil {
		return nil, err
	}
	config.MaxBodyBytes = DefaultMaxBodyBytes

	if config.Limits.MaxBatches, err = getInt("MAX_BATCHES", DefaultMaxBatches); err != nil {
		return nil, err
	}
	if config.Limits.MaxBatchSize, err = getInt("MAX_BATCH_SIZE", DefaultMaxBatchSize); err != nil {
		return nil, err
	}

	amount, err := getInt("PAYMENT_AMOUNT_SAT", payment.DefaultAmount)
	if err != nil {
		return nil, err
	}
	if amount < 0 {
		return nil, fmt.Errorf("invalid PAYMENT_AMOUNT_SAT: %v", amount)
	}
	config.Payment.Amount = uint64(amount)
	if config.Payment.FreeRequests, err = getInt("PAYMENT_FREE_REQUESTS", payment.DefaultFreeRequests); err != nil {
		return nil, err
	}
	if config.Payment.Window, err = getDuration("PAYMENT_WINDOW", payment.DefaultWindow); err != nil {
		return nil, err
	}
	config.Payment.Mints = getList("PAYMENT_MINT_URLS")
	config.Payment.CollectionMint = strings.TrimSpace(os.Getenv("PAYMENT_COLLECTION_MINT"))
	config.Payment.AccessKey = strings.TrimSpace(os.Getenv("PAYMENT_COLLECTION_ACCESS_KEY"))
	if config.Payment.FeeReservePercent, err = getFloat("PAYMENT_FEE_RESERVE_PERCENT",
		payment.DefaultFeeReservePercent); err != nil {
		return nil, err
	}
	if config.Payment.FeeReservePercent < 0 || config.Payment.FeeReservePercent >= 1 {
		return nil, fmt.Errorf("PAYMENT_FEE_RESERVE_PERCENT must be in [0, 1): %v", config.Payment.FeeReservePercent)
	}

	if config.Jobs.Workers, err = getInt("RECOVERY_WORKERS", jobs.DefaultWorkers); err != nil {
		return nil, err
	}
	if config.Jobs.QueueSize, err = getInt("RECOVERY_QUEUE_SIZE", jobs.DefaultQueueSize); err != nil {
		return nil, err
	}
	if config.Jobs.Retention, err = getDuration("JOB_RETENTION", jobs.DefaultRetention); err != nil {
		return nil, err
	}
	if config.Jobs.PruneInterval, err = getDuration("JOB_PRUNE_INTERVAL", jobs.DefaultPruneInterval); err != nil {
		return nil, err
	}

	if config.HTTPClientTimeout, err = getDuration("HTTP_CLIENT_TIMEOUT", client.DefaultTimeout); err != nil {
		return nil, err
	}

	config.DataDir = os.Getenv("DATA_DIR")
	if config.DataDir == "" {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		config.DataDir = filepath.Join(homedir, ".nutrecovery")
	}

	if err := config.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %v", err)
	}
	if config.LogFormat != "text" && config.LogFormat != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT '%v'", config.LogFormat)
	}

	return config, nil
}

// ClientOptions configures the mint client. Proof states are checked
// in batches no larger than the largest batch accepted in a request.
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		Timeout:             c.HTTPClientTimeout,
		CheckStateBatchSize: c.Limits.MaxBatchSize,
	}
}

// Logger builds the service logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %v: %v", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %v: %v", key, err)
	}
	return f, nil
}

// getDuration accepts a duration string ("90s", "1h") or
// a number of milliseconds.
func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %v: %v", key, err)
	}
	return d, nil
}

func getList(key string) []string {
	var list []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	return list
}
