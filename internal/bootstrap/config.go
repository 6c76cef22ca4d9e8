package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/infra/setup"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	DB              setup.DBParams
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	ServerPort      string
	LogLevel        string
	AppEnv          string // development / production
	KeyPrefix       string // Redis Key 前缀
	InstanceID      string // 跨实例转发时标记消息来源
	AllowedOrigin   string
	RateLimitMax    int
	RateLimitWindow time.Duration

	SnapshotWidth    int
	SnapshotHeight   int
	SnapshotCacheTTL int // 秒
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)
	_ = godotenv.Load()

	cfg := &Config{
		DB: setup.DBParams{
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Host:     os.Getenv("DB_HOST"),
			Port:     os.Getenv("DB_PORT"),
			Name:     os.Getenv("DB_NAME"),
		},
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		ServerPort:      envOr("SERVER_PORT", "8080"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		AppEnv:          envOr("APP_ENV", "development"),
		KeyPrefix:       envOr("REDIS_KEY_PREFIX", "cv:"),
		InstanceID:      envOr("INSTANCE_ID", uuid.NewString()),
		AllowedOrigin:   envOr("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
		RateLimitWindow: 1 * time.Second,
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = envInt("RATE_LIMIT_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.SnapshotWidth, err = envInt("SNAPSHOT_WIDTH", 1280); err != nil {
		return nil, err
	}
	if cfg.SnapshotHeight, err = envInt("SNAPSHOT_HEIGHT", 720); err != nil {
		return nil, err
	}
	if cfg.SnapshotCacheTTL, err = envInt("SNAPSHOT_CACHE_TTL_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax <= 0 || cfg.SnapshotWidth <= 0 || cfg.SnapshotHeight <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX, SNAPSHOT_WIDTH and SNAPSHOT_HEIGHT must be positive")
	}

	// 验证日志级别
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s must be an integer: %w", key, err)
	}
	return v, nil
}
