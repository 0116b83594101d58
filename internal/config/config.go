// Package config provides configuration loading and validation for the audit
// service. It uses koanf to merge an optional YAML file with environment
// variables; environment variables win.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// DatabaseURL connects with the append-only application role.
	DatabaseURL string `koanf:"database_url"`
	// RetentionDatabaseURL connects with the retention role. Required only
	// when retention runs in this process.
	RetentionDatabaseURL string `koanf:"retention_database_url"`

	RedisURL string `koanf:"redis_url"`

	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For and
	// X-Real-IP headers are believed.
	TrustedProxies []string `koanf:"trusted_proxies"`

	// JWT validation; JWTSecretPrevious is accepted during rotation.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTSecretPrevious string `koanf:"jwt_secret_previous"`

	RedactionRulesPath string `koanf:"redaction_rules_path"`
	PurgeLogPath       string `koanf:"purge_log_path"`

	Recorder  RecorderConfig  `koanf:"recorder"`
	Retention RetentionConfig `koanf:"retention"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Query     QueryConfig     `koanf:"query"`
}

// RecorderConfig selects how events are persisted.
type RecorderConfig struct {
	// Mode is "direct" (synchronous database write) or "queue" (durable
	// Kafka topic drained by a consumer).
	Mode              string        `koanf:"mode"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	EmptyUpdatePolicy string        `koanf:"empty_update_policy"`
	KafkaBrokers      []string      `koanf:"kafka_brokers"`
	KafkaTopic        string        `koanf:"kafka_topic"`
	KafkaGroup        string        `koanf:"kafka_group"`
}

// RetentionConfig holds the tier boundaries, in days, and the schedule.
type RetentionConfig struct {
	Enabled         bool          `koanf:"enabled"`
	HotDays         int           `koanf:"hot_days"`
	WarmDays        int           `koanf:"warm_days"`
	PurgeDays       int           `koanf:"purge_days"`
	Interval        time.Duration `koanf:"interval"`
	Timeout         time.Duration `koanf:"timeout"`
	BatchSize       int           `koanf:"batch_size"`
	PartitionsAhead int           `koanf:"partitions_ahead"`
}

// ArchiveConfig points at the S3-compatible cold tier bucket.
type ArchiveConfig struct {
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	Endpoint        string `koanf:"endpoint"`
	Region          string `koanf:"region"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
}

// QueryConfig bounds trail queries.
type QueryConfig struct {
	DefaultLimit  int `koanf:"default_limit"`
	MaxPageSize   int `koanf:"max_page_size"`
	MaxExportRows int `koanf:"max_export_rows"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL          = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret            = errors.New("JWT_SECRET is required")
	ErrInvalidPort                 = errors.New("PORT must be between 1 and 65535")
	ErrInvalidInteger              = errors.New("value must be a valid integer")
	ErrInvalidDuration             = errors.New("value must be a valid duration")
	ErrInvalidRecorderMode         = errors.New("RECORDER_MODE must be direct or queue")
	ErrInvalidEmptyUpdatePolicy    = errors.New("EMPTY_UPDATE_POLICY must be record or skip")
	ErrMissingKafkaBrokers         = errors.New("KAFKA_BROKERS is required in queue mode")
	ErrMissingRetentionDatabaseURL = errors.New("RETENTION_DATABASE_URL is required when retention is enabled")
	ErrMissingArchiveBucket        = errors.New("ARCHIVE_BUCKET is required when retention is enabled")
	ErrMissingArchiveCredentials   = errors.New("ARCHIVE_ACCESS_KEY_ID and ARCHIVE_SECRET_ACCESS_KEY are required when retention is enabled")
	ErrInvalidTierOrder            = errors.New("retention days must satisfy 0 < hot < warm < purge")
	ErrPurgeBelowMinimum           = errors.New("RETENTION_PURGE_DAYS is below the seven-year regulatory minimum")
	ErrInvalidQueryBounds          = errors.New("query limits must be positive and default_limit <= max_page_size")
	ErrInvalidTrustedProxy         = errors.New("TRUSTED_PROXIES entries must be IP addresses or CIDR prefixes")
)

// Defaults.
const (
	DefaultPort              = 8080
	DefaultEnv               = "development"
	DefaultPurgeLogPath      = "var/audit-purge.jsonl"
	DefaultRecorderMode      = "direct"
	DefaultWriteTimeout      = 5 * time.Second
	DefaultEmptyUpdate       = "record"
	DefaultKafkaTopic        = "audit-events"
	DefaultKafkaGroup        = "audittrail-consumer"
	DefaultHotDays           = 90
	DefaultWarmDays          = 365
	DefaultPurgeDays         = MinimumPurgeDays
	DefaultRetentionInterval = time.Hour
	DefaultRetentionTimeout  = 30 * time.Minute
	DefaultBatchSize         = 500
	DefaultPartitionsAhead   = 3
	DefaultArchivePrefix     = "audit"
	DefaultQueryLimit        = 50
	DefaultMaxPageSize       = 200
	DefaultMaxExportRows     = 100000

	// MinimumPurgeDays is seven years including leap days.
	MinimumPurgeDays = 2557
)

// Load reads configuration from an optional YAML file and the environment.
// It returns the config and every problem found; a file that cannot be read
// is returned alone.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	l := &loader{k: k}
	cfg := &Config{
		Port:                 l.integer([]string{"AUDIT_PORT", "PORT"}, "port", DefaultPort),
		Env:                  l.str([]string{"AUDIT_ENV", "ENV", "GO_ENV"}, "env", DefaultEnv),
		DatabaseURL:          l.str([]string{"DATABASE_URL"}, "database_url", ""),
		RetentionDatabaseURL: l.str([]string{"RETENTION_DATABASE_URL"}, "retention_database_url", ""),
		RedisURL:             l.str([]string{"REDIS_URL"}, "redis_url", ""),
		TrustedProxies:       l.list([]string{"TRUSTED_PROXIES"}, "trusted_proxies"),
		JWTSecret:            l.str([]string{"JWT_SECRET"}, "jwt_secret", ""),
		JWTSecretPrevious:    l.str([]string{"JWT_SECRET_PREVIOUS"}, "jwt_secret_previous", ""),
		RedactionRulesPath:   l.str([]string{"REDACTION_RULES_PATH"}, "redaction_rules_path", ""),
		PurgeLogPath:         l.str([]string{"PURGE_LOG_PATH"}, "purge_log_path", DefaultPurgeLogPath),
		Recorder: RecorderConfig{
			Mode:              strings.ToLower(l.str([]string{"RECORDER_MODE"}, "recorder.mode", DefaultRecorderMode)),
			WriteTimeout:      l.dur([]string{"RECORDER_WRITE_TIMEOUT"}, "recorder.write_timeout", DefaultWriteTimeout),
			EmptyUpdatePolicy: strings.ToLower(l.str([]string{"EMPTY_UPDATE_POLICY"}, "recorder.empty_update_policy", DefaultEmptyUpdate)),
			KafkaBrokers:      l.list([]string{"KAFKA_BROKERS"}, "recorder.kafka_brokers"),
			KafkaTopic:        l.str([]string{"KAFKA_TOPIC"}, "recorder.kafka_topic", DefaultKafkaTopic),
			KafkaGroup:        l.str([]string{"KAFKA_GROUP"}, "recorder.kafka_group", DefaultKafkaGroup),
		},
		Retention: RetentionConfig{
			Enabled:         l.flag([]string{"RETENTION_ENABLED"}, "retention.enabled", false),
			HotDays:         l.integer([]string{"RETENTION_HOT_DAYS"}, "retention.hot_days", DefaultHotDays),
			WarmDays:        l.integer([]string{"RETENTION_WARM_DAYS"}, "retention.warm_days", DefaultWarmDays),
			PurgeDays:       l.integer([]string{"RETENTION_PURGE_DAYS"}, "retention.purge_days", DefaultPurgeDays),
			Interval:        l.dur([]string{"RETENTION_INTERVAL"}, "retention.interval", DefaultRetentionInterval),
			Timeout:         l.dur([]string{"RETENTION_TIMEOUT"}, "retention.timeout", DefaultRetentionTimeout),
			BatchSize:       l.integer([]string{"RETENTION_BATCH_SIZE"}, "retention.batch_size", DefaultBatchSize),
			PartitionsAhead: l.integer([]string{"RETENTION_PARTITIONS_AHEAD"}, "retention.partitions_ahead", DefaultPartitionsAhead),
		},
		Archive: ArchiveConfig{
			Bucket:          l.str([]string{"ARCHIVE_BUCKET"}, "archive.bucket", ""),
			Prefix:          l.str([]string{"ARCHIVE_PREFIX"}, "archive.prefix", DefaultArchivePrefix),
			Endpoint:        l.str([]string{"ARCHIVE_ENDPOINT"}, "archive.endpoint", ""),
			Region:          l.str([]string{"ARCHIVE_REGION"}, "archive.region", ""),
			AccessKeyID:     l.str([]string{"ARCHIVE_ACCESS_KEY_ID"}, "archive.access_key_id", ""),
			SecretAccessKey: l.str([]string{"ARCHIVE_SECRET_ACCESS_KEY"}, "archive.secret_access_key", ""),
		},
		Query: QueryConfig{
			DefaultLimit:  l.integer([]string{"QUERY_DEFAULT_LIMIT"}, "query.default_limit", DefaultQueryLimit),
			MaxPageSize:   l.integer([]string{"QUERY_MAX_PAGE_SIZE"}, "query.max_page_size", DefaultMaxPageSize),
			MaxExportRows: l.integer([]string{"QUERY_MAX_EXPORT_ROWS"}, "query.max_export_rows", DefaultMaxExportRows),
		},
	}

	errs := append(l.errs, cfg.Validate()...)
	return cfg, errs
}

// loader resolves each value from the first set environment variable, then
// the file, then the default, collecting parse errors as it goes.
type loader struct {
	k    *koanf.Koanf
	errs []error
}

func (l *loader) env(keys []string) (string, string, bool) {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return key, val, true
		}
	}
	return "", "", false
}

func (l *loader) str(envKeys []string, koanfKey, def string) string {
	if _, val, ok := l.env(envKeys); ok {
		return val
	}
	if val := l.k.String(koanfKey); val != "" {
		return val
	}
	return def
}

// integer treats a zero file value as unset.
func (l *loader) integer(envKeys []string, koanfKey string, def int) int {
	if key, val, ok := l.env(envKeys); ok {
		i, err := strconv.Atoi(val)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: %w", key, ErrInvalidInteger))
			return def
		}
		return i
	}
	if val := l.k.Int(koanfKey); val != 0 {
		return val
	}
	return def
}

func (l *loader) dur(envKeys []string, koanfKey string, def time.Duration) time.Duration {
	if key, val, ok := l.env(envKeys); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s: %w", key, ErrInvalidDuration))
			return def
		}
		return d
	}
	if l.k.Exists(koanfKey) {
		if d := l.k.Duration(koanfKey); d > 0 {
			return d
		}
		l.errs = append(l.errs, fmt.Errorf("%s: %w", koanfKey, ErrInvalidDuration))
	}
	return def
}

func (l *loader) flag(envKeys []string, koanfKey string, def bool) bool {
	if _, val, ok := l.env(envKeys); ok {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	if l.k.Exists(koanfKey) {
		return l.k.Bool(koanfKey)
	}
	return def
}

// list reads a comma-separated environment variable or a YAML list.
func (l *loader) list(envKeys []string, koanfKey string) []string {
	if _, val, ok := l.env(envKeys); ok {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return l.k.Strings(koanfKey)
}

// Validate checks required values and cross-field constraints.
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}

	switch c.Recorder.Mode {
	case "direct":
	case "queue":
		if len(c.Recorder.KafkaBrokers) == 0 {
			errs = append(errs, ErrMissingKafkaBrokers)
		}
	default:
		errs = append(errs, ErrInvalidRecorderMode)
	}
	if c.Recorder.EmptyUpdatePolicy != "record" && c.Recorder.EmptyUpdatePolicy != "skip" {
		errs = append(errs, ErrInvalidEmptyUpdatePolicy)
	}

	r := c.Retention
	if r.HotDays <= 0 || r.WarmDays <= r.HotDays || r.PurgeDays <= r.WarmDays {
		errs = append(errs, ErrInvalidTierOrder)
	}
	if r.PurgeDays < MinimumPurgeDays {
		errs = append(errs, ErrPurgeBelowMinimum)
	}
	if r.Enabled {
		if c.RetentionDatabaseURL == "" {
			errs = append(errs, ErrMissingRetentionDatabaseURL)
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.Archive.AccessKeyID == "" || c.Archive.SecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveCredentials)
		}
	}

	for _, entry := range c.TrustedProxies {
		if !validProxyEntry(entry) {
			errs = append(errs, fmt.Errorf("%q: %w", entry, ErrInvalidTrustedProxy))
		}
	}

	q := c.Query
	if q.DefaultLimit <= 0 || q.MaxPageSize <= 0 || q.MaxExportRows <= 0 || q.DefaultLimit > q.MaxPageSize {
		errs = append(errs, ErrInvalidQueryBounds)
	}

	return errs
}

func validProxyEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

// LogSummary returns the configuration with secrets masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                      strconv.Itoa(c.Port),
		"env":                       c.Env,
		"database_url":              maskDatabaseURL(c.DatabaseURL),
		"retention_database_url":    maskDatabaseURL(c.RetentionDatabaseURL),
		"redis_url":                 maskDatabaseURL(c.RedisURL),
		"trusted_proxies":           strings.Join(c.TrustedProxies, ","),
		"jwt_secret":                maskSecret(c.JWTSecret),
		"jwt_secret_previous":       maskSecret(c.JWTSecretPrevious),
		"redaction_rules_path":      valueOrDefault(c.RedactionRulesPath, "<built-in>"),
		"purge_log_path":            c.PurgeLogPath,
		"recorder_mode":             c.Recorder.Mode,
		"recorder_write_timeout":    c.Recorder.WriteTimeout.String(),
		"empty_update_policy":       c.Recorder.EmptyUpdatePolicy,
		"kafka_brokers":             strings.Join(c.Recorder.KafkaBrokers, ","),
		"kafka_topic":               c.Recorder.KafkaTopic,
		"retention_enabled":         strconv.FormatBool(c.Retention.Enabled),
		"retention_days":            fmt.Sprintf("%d/%d/%d", c.Retention.HotDays, c.Retention.WarmDays, c.Retention.PurgeDays),
		"retention_interval":        c.Retention.Interval.String(),
		"archive_bucket":            c.Archive.Bucket,
		"archive_endpoint":          c.Archive.Endpoint,
		"archive_access_key_id":     maskSecret(c.Archive.AccessKeyID),
		"archive_secret_access_key": maskSecret(c.Archive.SecretAccessKey),
		"query_max_page_size":       strconv.Itoa(c.Query.MaxPageSize),
		"query_max_export_rows":     strconv.Itoa(c.Query.MaxExportRows),
	}
}

// IsProduction reports whether Env names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

func valueOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// maskSecret shows only the first 4 characters; secrets shorter than 8
// characters are fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
