package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Import godotenv for loading .env files
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Recording RecordingConfig `json:"recording"`
	Log       LogConfig       `json:"log"`
	Archive   ArchiveConfig   `json:"archive"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	CORSOrigins  []string      `json:"cors_origins"`
}

type RecordingConfig struct {
	Dir             string        `json:"dir"`
	FFmpegPath      string        `json:"ffmpeg_path"`
	Container       string        `json:"container"`
	QueueSize       int           `json:"queue_size"` // frames buffered per sink before dropping
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `json:"level"`
}

// ArchiveConfig describes the optional bucket finished recordings are copied to.
// An empty Bucket disables archiving.
type ArchiveConfig struct {
	Bucket       string        `json:"bucket"`
	Endpoint     string        `json:"endpoint"`
	Region       string        `json:"region"`
	KeyID        string        `json:"key_id"`
	AppKey       string        `json:"-"`
	Workers      int           `json:"workers"`
	MaxRetries   int           `json:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff"`
	DeleteLocal  bool          `json:"delete_local"`
}

// Enabled reports whether recordings should be uploaded after they are finalized.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// LoadConfig loads config from environment variables and .env file
func LoadConfig() (*Config, error) {
	config := &Config{}

	if err := config.loadServerConfig(); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	config.loadRecordingConfig()
	config.Log = LogConfig{Level: getEnv("LOG_LEVEL", "info")}
	config.loadArchiveConfig()

	return config, nil
}

func (c *Config) loadServerConfig() error {
	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}

	c.Server = ServerConfig{
		Port:         port,
		Host:         getEnv("HOST", "0.0.0.0"),
		ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 120*time.Second),
		CORSOrigins:  getListEnv("CORS_ORIGINS", []string{"*"}),
	}
	return nil
}

func (c *Config) loadRecordingConfig() {
	c.Recording = RecordingConfig{
		Dir:             getEnv("RECORDINGS_DIR", "recordings"),
		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		Container:       strings.TrimPrefix(getEnv("RECORDING_CONTAINER", "mkv"), "."),
		QueueSize:       getIntEnv("RECORDING_QUEUE_SIZE", 256),
		ShutdownTimeout: getDurationEnv("SINK_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func (c *Config) loadArchiveConfig() {
	c.Archive = ArchiveConfig{
		Bucket:       getEnv("ARCHIVE_BUCKET", ""),
		Endpoint:     getEnv("ARCHIVE_ENDPOINT", ""),
		Region:       getEnv("ARCHIVE_REGION", "us-east-1"),
		KeyID:        getEnv("ARCHIVE_KEY_ID", ""),
		AppKey:       getEnv("ARCHIVE_APP_KEY", ""),
		Workers:      getIntEnv("ARCHIVE_WORKERS", 2),
		MaxRetries:   getIntEnv("ARCHIVE_MAX_RETRIES", 3),
		RetryBackoff: getDurationEnv("ARCHIVE_RETRY_BACKOFF", 2*time.Second),
		DeleteLocal:  getBoolEnv("ARCHIVE_DELETE_LOCAL", false),
	}
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Recording.Dir == "" {
		return fmt.Errorf("recordings directory is required")
	}
	if c.Recording.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg path is required")
	}
	if c.Recording.Container == "" {
		return fmt.Errorf("recording container is required")
	}
	if c.Recording.QueueSize <= 0 {
		return fmt.Errorf("invalid recording queue size: %d", c.Recording.QueueSize)
	}
	if c.Archive.Enabled() && c.Archive.Workers <= 0 {
		return fmt.Errorf("archive workers must be positive when archiving is enabled")
	}

	return nil
}
