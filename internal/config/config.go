// Package config resolves runtime settings from the environment with an
// optional YAML overlay file. Precedence: defaults, then the overlay named
// by CONFIG_FILE, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Redis holds connection and stream tuning.
type Redis struct {
	URL          string        `yaml:"url"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	DB           int           `yaml:"db"`
	Password     string        `yaml:"password"`
	Namespace    string        `yaml:"namespace"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	StreamMaxLen int64         `yaml:"stream_maxlen"`
}

// Addr resolves the dial target: URL wins over host/port.
func (r Redis) Addr() string {
	if r.URL != "" {
		return r.URL
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Ops holds the worker liveness and delivery knobs.
type Ops struct {
	EnableDLQ    bool          `yaml:"enable_dlq"`
	DelayedRetry bool          `yaml:"delayed_retry"`
	HBEnabled    bool          `yaml:"hb_enabled"`
	HBInterval   time.Duration `yaml:"hb_interval"`
	HBTTL        time.Duration `yaml:"hb_ttl"`
	IdempTTL     time.Duration `yaml:"idemp_ttl"`
}

// Persist holds table allowlists and the remote table API endpoint.
type Persist struct {
	ReadTables  []string `yaml:"read_tables"`
	WriteTables []string `yaml:"write_tables"`
	DenyTables  []string `yaml:"write_deny"`
	APIURL      string   `yaml:"api_url"`
	APIKey      string   `yaml:"api_key"`
}

// RAG holds the retrieval agent's policy knobs.
type RAG struct {
	DefaultLimit       int  `yaml:"default_limit"`
	MaxLimit           int  `yaml:"max_limit"`
	SummaryThreshold   int  `yaml:"summary_threshold"`
	MaxFallbacksPerMin int  `yaml:"max_fallbacks_per_min"`
	MaxReformulations  int  `yaml:"reformulation_max_attempts"`
	CacheDisabled      bool `yaml:"cache_disabled"`
	DefaultListOnEmpty bool `yaml:"default_list_on_empty"`
}

// Control holds the HTTP ingress settings.
type Control struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Config is the full resolved configuration.
type Config struct {
	Redis      Redis   `yaml:"redis"`
	Ops        Ops     `yaml:"ops"`
	Persist    Persist `yaml:"persist"`
	RAG        RAG     `yaml:"rag"`
	Control    Control `yaml:"control"`
	NATSURL    string  `yaml:"nats_url"`
	WorkerOnce bool    `yaml:"worker_once"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Redis: Redis{
			Host:         "localhost",
			Port:         6379,
			Namespace:    "fabric",
			MaxRetries:   3,
			RetryBackoff: 200 * time.Millisecond,
			StreamMaxLen: 10000,
		},
		Ops: Ops{
			EnableDLQ:  true,
			HBEnabled:  true,
			HBInterval: 5 * time.Second,
			HBTTL:      15 * time.Second,
			IdempTTL:   time.Hour,
		},
		Persist: Persist{
			ReadTables:  []string{"clients"},
			WriteTables: []string{"clients"},
		},
		RAG: RAG{
			DefaultLimit:       25,
			MaxLimit:           200,
			SummaryThreshold:   200,
			MaxFallbacksPerMin: 5,
			MaxReformulations:  3,
			DefaultListOnEmpty: true,
		},
		Control: Control{Addr: ":8089"},
	}
}

// Load resolves configuration from defaults, the CONFIG_FILE overlay, and
// environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr(&cfg.Redis.URL, "REDIS_URL")
	envStr(&cfg.Redis.Host, "REDIS_HOST")
	envInt(&cfg.Redis.Port, "REDIS_PORT")
	envInt(&cfg.Redis.DB, "REDIS_DB")
	envStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	envStr(&cfg.Redis.Namespace, "REDIS_NAMESPACE")
	envInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	envMillis(&cfg.Redis.RetryBackoff, "REDIS_RETRY_BACKOFF_MS")
	envInt64(&cfg.Redis.StreamMaxLen, "REDIS_STREAM_MAXLEN")

	envBool(&cfg.Ops.EnableDLQ, "ENABLE_DLQ")
	envBool(&cfg.Ops.DelayedRetry, "OPS_DELAYED_RETRY")
	envBool(&cfg.Ops.HBEnabled, "OPS_HB_ENABLED")
	envSeconds(&cfg.Ops.HBInterval, "OPS_HB_INTERVAL")
	envSeconds(&cfg.Ops.HBTTL, "OPS_HB_TTL")
	envSeconds(&cfg.Ops.IdempTTL, "OPS_IDEMP_TTL")

	envCSV(&cfg.Persist.ReadTables, "PERSIST_READ_TABLES")
	envCSV(&cfg.Persist.WriteTables, "PERSIST_WRITE_TABLES")
	envCSV(&cfg.Persist.DenyTables, "PERSIST_WRITE_DENY")
	envStr(&cfg.Persist.APIURL, "TABLE_API_URL")
	envStr(&cfg.Persist.APIKey, "TABLE_API_KEY")

	envInt(&cfg.RAG.DefaultLimit, "RAG_DEFAULT_LIMIT")
	envInt(&cfg.RAG.MaxLimit, "RAG_MAX_LIMIT")
	envInt(&cfg.RAG.SummaryThreshold, "RAG_SUMMARY_THRESHOLD")
	envInt(&cfg.RAG.MaxFallbacksPerMin, "RAG_MAX_FALLBACKS_PER_MIN")
	envInt(&cfg.RAG.MaxReformulations, "RAG_REFORMULATION_MAX_ATTEMPTS")
	envBool(&cfg.RAG.CacheDisabled, "RAG_CACHE_DISABLED")
	envBool(&cfg.RAG.DefaultListOnEmpty, "RAG_DEFAULT_LIST_ON_EMPTY")

	envStr(&cfg.Control.Addr, "CONTROL_ADDR")
	envStr(&cfg.Control.JWTSecret, "CONTROL_JWT_SECRET")
	envStr(&cfg.NATSURL, "NATS_URL")
	envBool(&cfg.WorkerOnce, "WORKER_ONCE")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func envMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func envSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envCSV(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*dst = out
	}
}
