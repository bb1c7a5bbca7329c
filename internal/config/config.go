package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration: defaults, then canvas.yml, then the environment
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Room       RoomConfig       `yaml:"room"`
	Database   DatabaseConfig   `yaml:"database"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// Empty allows every origin
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

type WebSocketConfig struct {
	ReadBufferSize    int           `yaml:"read_buffer_size"`
	WriteBufferSize   int           `yaml:"write_buffer_size"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	SendBuffer        int           `yaml:"send_buffer"`
	PongWait          time.Duration `yaml:"pong_wait"`
	WriteWait         time.Duration `yaml:"write_wait"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	MessageBurst      int           `yaml:"message_burst"`
}

type RoomConfig struct {
	// How long an empty room keeps its history before teardown
	GracePeriod time.Duration `yaml:"grace_period"`
	// Undo entries kept per room, 0 = unbounded
	HistoryDepth int `yaml:"history_depth"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CheckpointConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	AutoVersions int           `yaml:"auto_versions"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password,omitempty"`
	DB          int           `yaml:"db"`
	Namespace   string        `yaml:"namespace"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

// Enabled reports whether a backplane should be started
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			MaxMessageSize:    1024 * 1024,
			SendBuffer:        512,
			PongWait:          60 * time.Second,
			WriteWait:         10 * time.Second,
			MessagesPerSecond: 100,
			MessageBurst:      200,
		},
		Room: RoomConfig{
			GracePeriod:  30 * time.Second,
			HistoryDepth: 100,
		},
		Database: DatabaseConfig{
			Path: "./data/canvas.db",
		},
		Checkpoint: CheckpointConfig{
			Enabled:      true,
			Interval:     30 * time.Second,
			AutoVersions: 10,
		},
		Redis: RedisConfig{
			Namespace:   "canvas",
			PresenceTTL: 2 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env is ignored.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv reads .env, or the given files, into the environment.
// Missing files are skipped; unreadable or malformed ones are errors.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		err := godotenv.Load(file)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("failed to load %s: %w", file, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	c.Server.Addr = getEnv("CANVAS_ADDR", c.Server.Addr)
	if origins := os.Getenv("CANVAS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	c.Database.Path = getEnv("LATTICE_DB_PATH", c.Database.Path)
	c.Database.Path = getEnv("CANVAS_DB_PATH", c.Database.Path)

	c.Room.GracePeriod = getDuration("CANVAS_ROOM_GRACE", c.Room.GracePeriod)
	c.Room.HistoryDepth = getInt("CANVAS_HISTORY_DEPTH", c.Room.HistoryDepth)

	c.Checkpoint.Interval = getDuration("CANVAS_CHECKPOINT_INTERVAL", c.Checkpoint.Interval)
	c.Checkpoint.Enabled = getBool("CANVAS_CHECKPOINT_ENABLED", c.Checkpoint.Enabled)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getInt("REDIS_DB", c.Redis.DB)
	c.Redis.Namespace = getEnv("REDIS_NAMESPACE", c.Redis.Namespace)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Development = getBool("LOG_DEVELOPMENT", c.Log.Development)
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	ws := c.WebSocket
	if ws.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("websocket.max_message_size must be > 0, got %d", ws.MaxMessageSize))
	}
	if ws.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("websocket.send_buffer must be > 0, got %d", ws.SendBuffer))
	}
	if ws.PongWait <= 0 || ws.WriteWait <= 0 {
		errs = append(errs, errors.New("websocket.pong_wait and websocket.write_wait must be > 0"))
	}
	if ws.MessagesPerSecond <= 0 || ws.MessageBurst <= 0 {
		errs = append(errs, errors.New("websocket.messages_per_second and websocket.message_burst must be > 0"))
	}

	if c.Room.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("room.grace_period must be >= 0, got %s", c.Room.GracePeriod))
	}
	if c.Room.HistoryDepth < 0 {
		errs = append(errs, fmt.Errorf("room.history_depth must be >= 0 (0 = unbounded), got %d", c.Room.HistoryDepth))
	}

	if c.Checkpoint.Enabled && c.Checkpoint.Interval <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint.interval must be > 0 when enabled, got %s", c.Checkpoint.Interval))
	}
	if c.Checkpoint.AutoVersions < 0 {
		errs = append(errs, fmt.Errorf("checkpoint.auto_versions must be >= 0, got %d", c.Checkpoint.AutoVersions))
	}

	if c.Redis.Enabled() && c.Redis.Namespace == "" {
		errs = append(errs, errors.New("redis.namespace is required when redis.addr is set"))
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

// getDuration accepts Go durations, or bare numbers as seconds
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
