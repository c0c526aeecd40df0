package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Log        LogConfig
	LocalStore LocalStoreConfig
	Queue      QueueConfig
	Attendance AttendanceConfig
	Dashboard  CacheConfig
	Strategic  CacheConfig
	Network    NetworkConfig
	Realtime   RealtimeConfig

	CacheRefreshWorkers int
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type LogConfig struct {
	Level  string
	Format string
}

// LocalStoreConfig points at the on-device SQLite file.
type LocalStoreConfig struct {
	Path string
}

// QueueConfig tunes the offline mutation queue.
type QueueConfig struct {
	RetryHigh     int
	RetryMedium   int
	RetryLow      int
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	DrainInterval time.Duration
}

// AttendanceConfig tunes attendance sync and conflict handling.
type AttendanceConfig struct {
	ConflictStrategy string
	TimingThreshold  time.Duration
	MaxRetries       int
}

// CacheConfig bounds one cache manager.
type CacheConfig struct {
	TTL        time.Duration
	StaleAfter time.Duration
	MaxEntries int
	MaxBytes   int64
}

// NetworkConfig controls backend reachability probing.
type NetworkConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// RealtimeConfig controls the LISTEN/NOTIFY change feed.
type RealtimeConfig struct {
	Enabled      bool
	Channels     []string
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.LocalStore = LocalStoreConfig{Path: v.GetString("LOCAL_STORE_PATH")}

	cfg.Queue = QueueConfig{
		RetryHigh:     v.GetInt("QUEUE_RETRY_HIGH"),
		RetryMedium:   v.GetInt("QUEUE_RETRY_MEDIUM"),
		RetryLow:      v.GetInt("QUEUE_RETRY_LOW"),
		BackoffMin:    parseDuration(v.GetString("QUEUE_BACKOFF_MIN"), time.Second),
		BackoffMax:    parseDuration(v.GetString("QUEUE_BACKOFF_MAX"), time.Minute),
		DrainInterval: parseDuration(v.GetString("QUEUE_DRAIN_INTERVAL"), 30*time.Second),
	}

	cfg.Attendance = AttendanceConfig{
		ConflictStrategy: strings.ToLower(strings.TrimSpace(v.GetString("ATTENDANCE_CONFLICT_STRATEGY"))),
		TimingThreshold:  parseDuration(v.GetString("ATTENDANCE_TIMING_THRESHOLD"), 5*time.Minute),
		MaxRetries:       v.GetInt("ATTENDANCE_MAX_RETRIES"),
	}

	cfg.Dashboard = CacheConfig{
		TTL:        parseDuration(v.GetString("DASHBOARD_CACHE_TTL"), 5*time.Minute),
		StaleAfter: parseDuration(v.GetString("DASHBOARD_CACHE_STALE_AFTER"), 2*time.Minute),
		MaxEntries: v.GetInt("DASHBOARD_CACHE_MAX_ENTRIES"),
	}

	cfg.Strategic = CacheConfig{
		TTL:        parseDuration(v.GetString("STRATEGIC_CACHE_TTL"), 30*time.Minute),
		StaleAfter: parseDuration(v.GetString("STRATEGIC_CACHE_STALE_AFTER"), 10*time.Minute),
		MaxBytes:   v.GetInt64("STRATEGIC_CACHE_MAX_BYTES"),
	}

	cfg.Network = NetworkConfig{
		ProbeInterval: parseDuration(v.GetString("NETWORK_PROBE_INTERVAL"), 15*time.Second),
		ProbeTimeout:  parseDuration(v.GetString("NETWORK_PROBE_TIMEOUT"), 3*time.Second),
	}

	cfg.Realtime = RealtimeConfig{
		Enabled:      v.GetBool("REALTIME_ENABLED"),
		Channels:     splitAndTrim(v.GetString("REALTIME_CHANNELS")),
		MinReconnect: parseDuration(v.GetString("REALTIME_MIN_RECONNECT"), 10*time.Second),
		MaxReconnect: parseDuration(v.GetString("REALTIME_MAX_RECONNECT"), time.Minute),
	}

	cfg.CacheRefreshWorkers = v.GetInt("CACHE_REFRESH_WORKERS")

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8090)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "harry_school")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 5)
	v.SetDefault("DB_MAX_IDLE_CONNS", 2)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("LOCAL_STORE_PATH", "./offline.db")

	v.SetDefault("QUEUE_RETRY_HIGH", 5)
	v.SetDefault("QUEUE_RETRY_MEDIUM", 3)
	v.SetDefault("QUEUE_RETRY_LOW", 2)
	v.SetDefault("QUEUE_BACKOFF_MIN", "1s")
	v.SetDefault("QUEUE_BACKOFF_MAX", "60s")
	v.SetDefault("QUEUE_DRAIN_INTERVAL", "30s")

	v.SetDefault("ATTENDANCE_CONFLICT_STRATEGY", "latest_timestamp")
	v.SetDefault("ATTENDANCE_TIMING_THRESHOLD", "5m")
	v.SetDefault("ATTENDANCE_MAX_RETRIES", 3)

	v.SetDefault("DASHBOARD_CACHE_TTL", "5m")
	v.SetDefault("DASHBOARD_CACHE_STALE_AFTER", "2m")
	v.SetDefault("DASHBOARD_CACHE_MAX_ENTRIES", 100)
	v.SetDefault("STRATEGIC_CACHE_TTL", "30m")
	v.SetDefault("STRATEGIC_CACHE_STALE_AFTER", "10m")
	v.SetDefault("STRATEGIC_CACHE_MAX_BYTES", 10*1024*1024)
	v.SetDefault("CACHE_REFRESH_WORKERS", 2)

	v.SetDefault("NETWORK_PROBE_INTERVAL", "15s")
	v.SetDefault("NETWORK_PROBE_TIMEOUT", "3s")

	v.SetDefault("REALTIME_ENABLED", false)
	v.SetDefault("REALTIME_CHANNELS", "attendance_records_changes")
	v.SetDefault("REALTIME_MIN_RECONNECT", "10s")
	v.SetDefault("REALTIME_MAX_RECONNECT", "1m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
