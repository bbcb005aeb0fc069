package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// MariaDB接続設定 (DBName が空ならインメモリストア)
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// サーバー設定
	ServerPort string
	Env        string

	// CORS設定
	AllowedOrigins []string

	// 認証
	JWTSecret string

	// Redis (空ならプロセス内のレートリミッター)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ライブ接続
	HeartbeatInterval      time.Duration
	HeartbeatTimeoutFactor float64
	SessionQueueSize       int
	ParticipantCacheSize   int

	// プレゼンス
	TypingTTL     time.Duration
	SweepInterval time.Duration
	OnlineWindow  time.Duration

	MaxContentLength int

	// Invalid holds the keys whose values could not be parsed and fell
	// back to their defaults.
	Invalid []string
}

// HeartbeatTimeout is how long a session may stay silent before eviction
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval) * c.HeartbeatTimeoutFactor)
}

// UseMySQL reports whether a durable store is configured
func (c Config) UseMySQL() bool {
	return c.DBName != ""
}

// Development reports whether the server runs in development mode
func (c Config) Development() bool {
	return c.Env == "development"
}

// Load loads configuration from environment variables
func Load() Config {
	cfg := Config{
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "3306"),
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        os.Getenv("DB_NAME"),
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}

	allowedOrigins := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")
	cfg.AllowedOrigins = strings.Split(allowedOrigins, ",")
	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	cfg.RedisDB = cfg.intEnv("REDIS_DB", 0)
	cfg.HeartbeatInterval = cfg.durationEnv("HEARTBEAT_INTERVAL", 60*time.Second)
	cfg.HeartbeatTimeoutFactor = cfg.floatEnv("HEARTBEAT_TIMEOUT_FACTOR", 2.5)
	cfg.SessionQueueSize = cfg.intEnv("SESSION_QUEUE_SIZE", 256)
	cfg.ParticipantCacheSize = cfg.intEnv("PARTICIPANT_CACHE_SIZE", 4096)
	cfg.TypingTTL = cfg.durationEnv("TYPING_TTL", 3*time.Second)
	cfg.SweepInterval = cfg.durationEnv("SWEEP_INTERVAL", time.Second)
	cfg.OnlineWindow = cfg.durationEnv("ONLINE_WINDOW", 5*time.Minute)
	cfg.MaxContentLength = cfg.intEnv("MAX_CONTENT_LENGTH", 1000)

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *Config) durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		c.Invalid = append(c.Invalid, key)
		return def
	}
	return d
}

func (c *Config) intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		c.Invalid = append(c.Invalid, key)
		return def
	}
	return n
}

func (c *Config) floatEnv(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 1 {
		c.Invalid = append(c.Invalid, key)
		return def
	}
	return f
}
