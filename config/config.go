// Package config loads the peertransit server configuration from a JSON file and PEERTRANSIT_* variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort       = "5005"
	DefaultConfigFile = "peertransit.json"
)

var configStore atomic.Value

type ServerConfig struct {
	Port string `json:"port" envconfig:"PORT"`
	// MetricsPort serves expvar at /debug/vars; empty disables it.
	MetricsPort string `json:"metrics_port" envconfig:"METRICS_PORT"`
	// MaxBodyMB bounds an incoming transfer.
	MaxBodyMB int `json:"max_body_mb" envconfig:"MAX_BODY_MB"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"DNS"`
}

type RedisConfig struct {
	// Dns is optional. Without redis the key cache is local, history is kept in memory and no reconcile lock is taken.
	Dns                   string `json:"dns" envconfig:"DNS"`
	HistoryRetentionHours int    `json:"history_retention_hours" envconfig:"HISTORY_RETENTION_HOURS"`
}

type QueueConfig struct {
	BatchSize      int `json:"batch_size" envconfig:"BATCH_SIZE"`
	Concurrency    int `json:"concurrency" envconfig:"CONCURRENCY"`
	PollIntervalMs int `json:"poll_interval_ms" envconfig:"POLL_INTERVAL_MS"`
	MaxAttempts    int `json:"max_attempts" envconfig:"MAX_ATTEMPTS"`
}

func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

type BackoffConfig struct {
	// Kind is exponential or fixed.
	Kind   string  `json:"kind" envconfig:"KIND"`
	BaseMs int     `json:"base_ms" envconfig:"BASE_MS"`
	MaxMs  int     `json:"max_ms" envconfig:"MAX_MS"`
	Factor float64 `json:"factor" envconfig:"FACTOR"`
	Jitter float64 `json:"jitter" envconfig:"JITTER"`
}

type ReconcileConfig struct {
	IntervalSec    int  `json:"interval_sec" envconfig:"INTERVAL_SEC"`
	RecoveryAgeSec int  `json:"recovery_age_sec" envconfig:"RECOVERY_AGE_SEC"`
	DisableLock    bool `json:"disable_lock" envconfig:"DISABLE_LOCK"`
}

func (r ReconcileConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}

func (r ReconcileConfig) RecoveryAge() time.Duration {
	return time.Duration(r.RecoveryAgeSec) * time.Second
}

type PeerConfig struct {
	// Scheme is https in production; http is accepted for local networks.
	Scheme       string `json:"scheme" envconfig:"SCHEME"`
	TimeoutSec   int    `json:"timeout_sec" envconfig:"TIMEOUT_SEC"`
	MaxAttempts  int    `json:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	RetryDelayMs int    `json:"retry_delay_ms" envconfig:"RETRY_DELAY_MS"`
}

func (p PeerConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSec) * time.Second
}

func (p PeerConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

type KeysConfig struct {
	// Dir holds one private key file per tenant; keys are generated on first start.
	Dir         string `json:"dir" envconfig:"DIR"`
	TTLHours    int    `json:"ttl_hours" envconfig:"TTL_HOURS"`
	CacheTTLMin int    `json:"cache_ttl_min" envconfig:"CACHE_TTL_MIN"`
}

type SQSConfig struct {
	Endpoint string `json:"endpoint" envconfig:"ENDPOINT"`
	QueueURL string `json:"queue_url" envconfig:"QUEUE_URL"`
	Region   string `json:"region" envconfig:"REGION"`
	// Static credentials; empty uses the default AWS chain.
	AccessKeyID     string `json:"access_key_id" envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"SECRET_ACCESS_KEY"`
}

type PushConfig struct {
	// Sender is sqs, webhook or none.
	Sender     string    `json:"sender" envconfig:"SENDER"`
	WebhookURL string    `json:"webhook_url" envconfig:"WEBHOOK_URL"`
	SQS        SQSConfig `json:"sqs" envconfig:"SQS"`
}

type DriveConfig struct {
	Root string `json:"root" envconfig:"ROOT"`
	// Connections lists, per tenant, the identities allowed to send to it and receive its feed.
	Connections map[string][]string `json:"connections" ignored:"true"`
}

type LogConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
	JSON  bool   `json:"json" envconfig:"JSON"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"RPS"`
	Burst              *int     `json:"burst" envconfig:"BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	Tenants    []string         `json:"tenants" envconfig:"TENANTS"`
	DataSource DataSourceConfig `json:"data_source" envconfig:"DATA_SOURCE"`
	Redis      RedisConfig      `json:"redis" envconfig:"REDIS"`
	Server     ServerConfig     `json:"server" envconfig:"SERVER"`
	Outbox     QueueConfig      `json:"outbox" envconfig:"OUTBOX"`
	Inbox      QueueConfig      `json:"inbox" envconfig:"INBOX"`
	Backoff    BackoffConfig    `json:"backoff" envconfig:"BACKOFF"`
	Reconcile  ReconcileConfig  `json:"reconcile" envconfig:"RECONCILE"`
	Peer       PeerConfig       `json:"peer" envconfig:"PEER"`
	Keys       KeysConfig       `json:"keys" envconfig:"KEYS"`
	Push       PushConfig       `json:"push" envconfig:"PUSH"`
	Drive      DriveConfig      `json:"drive" envconfig:"DRIVE"`
	RateLimit  RateLimitConfig  `json:"rate_limit" envconfig:"RATE_LIMIT"`
	Log        LogConfig        `json:"log" envconfig:"LOG"`
}

// Load reads file when it exists, applies PEERTRANSIT_* overrides and fills defaults.
func Load(file string) (*Configuration, error) {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer func(f *os.File) { _ = f.Close() }(f)
		if err := json.NewDecoder(f).Decode(&cnf); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", file, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		logrus.WithField("file", file).Info("config file not found, using environment variables")
	} else {
		return nil, err
	}

	if err := envconfig.Process("peertransit", &cnf); err != nil {
		return nil, err
	}
	if err := cnf.validateAndAddDefaults(); err != nil {
		return nil, err
	}
	return &cnf, nil
}

// InitConfig loads file and makes it available through Fetch.
func InitConfig(file string) error {
	cnf, err := Load(file)
	if err != nil {
		return err
	}
	configStore.Store(cnf)
	return nil
}

func Fetch() (*Configuration, error) {
	c, ok := configStore.Load().(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded; pass --config or set PEERTRANSIT_* variables")
	}
	return c, nil
}

// MockConfig sets a configuration for tests.
func MockConfig(cnf *Configuration) {
	configStore.Store(cnf)
}

func (cnf *Configuration) validateAndAddDefaults() error {
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)

	if cnf.DataSource.Dns == "" {
		return errors.New("data source DNS is required")
	}

	tenants := make([]string, 0, len(cnf.Tenants))
	for _, t := range cnf.Tenants {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			tenants = append(tenants, t)
		}
	}
	if len(tenants) == 0 {
		return errors.New("at least one tenant is required")
	}
	cnf.Tenants = tenants

	if cnf.Server.Port == "" {
		cnf.Server.Port = DefaultPort
	}
	if cnf.Server.MaxBodyMB <= 0 {
		cnf.Server.MaxBodyMB = 64
	}
	if cnf.Redis.Dns == "" {
		logrus.Warn("redis DNS is empty: key cache is local, history is in memory and reconciliation is unlocked")
	}

	cnf.Outbox.setDefaults()
	cnf.Inbox.setDefaults()

	switch cnf.Backoff.Kind {
	case "":
		cnf.Backoff.Kind = "exponential"
	case "exponential", "fixed":
	default:
		return fmt.Errorf("unknown backoff kind %q", cnf.Backoff.Kind)
	}
	if cnf.Backoff.BaseMs <= 0 {
		cnf.Backoff.BaseMs = 500
	}
	if cnf.Backoff.MaxMs <= 0 {
		cnf.Backoff.MaxMs = 5 * 60 * 1000
	}
	if cnf.Backoff.Factor <= 1 {
		cnf.Backoff.Factor = 2
	}

	if cnf.Reconcile.IntervalSec <= 0 {
		cnf.Reconcile.IntervalSec = 60
	}
	if cnf.Reconcile.RecoveryAgeSec <= 0 {
		cnf.Reconcile.RecoveryAgeSec = 300
	}

	switch cnf.Peer.Scheme {
	case "":
		cnf.Peer.Scheme = "https"
	case "https", "http":
	default:
		return fmt.Errorf("unknown peer scheme %q", cnf.Peer.Scheme)
	}
	if cnf.Peer.TimeoutSec <= 0 {
		cnf.Peer.TimeoutSec = 30
	}
	if cnf.Peer.MaxAttempts <= 0 {
		cnf.Peer.MaxAttempts = 3
	}
	if cnf.Peer.RetryDelayMs <= 0 {
		cnf.Peer.RetryDelayMs = 1000
	}

	if cnf.Keys.Dir == "" {
		cnf.Keys.Dir = "keys"
	}
	if cnf.Keys.TTLHours <= 0 {
		cnf.Keys.TTLHours = 24 * 30
	}
	if cnf.Keys.CacheTTLMin <= 0 {
		cnf.Keys.CacheTTLMin = 60
	}

	switch cnf.Push.Sender {
	case "":
		cnf.Push.Sender = "none"
	case "none":
	case "webhook":
		if cnf.Push.WebhookURL == "" {
			return errors.New("push webhook url is required for the webhook sender")
		}
	case "sqs":
		if cnf.Push.SQS.QueueURL == "" {
			return errors.New("push sqs queue url is required for the sqs sender")
		}
	default:
		return fmt.Errorf("unknown push sender %q", cnf.Push.Sender)
	}

	if cnf.Log.Level == "" {
		cnf.Log.Level = "info"
	}

	if cnf.Drive.Root == "" {
		cnf.Drive.Root = "drives"
	}

	// rate limiting stays disabled unless one of rps or burst is set
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		burst := max(1, 2*int(*cnf.RateLimit.RequestsPerSecond))
		cnf.RateLimit.Burst = &burst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		rps := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &rps
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		cleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &cleanup
	}
	return nil
}

func (q *QueueConfig) setDefaults() {
	if q.BatchSize <= 0 {
		q.BatchSize = 100
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 4
	}
	if q.PollIntervalMs <= 0 {
		q.PollIntervalMs = 500
	}
	if q.MaxAttempts < 0 {
		q.MaxAttempts = 0
	}
}
