package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"qms/counter-service/internal/models"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Port                    string
	DatabaseURL             string
	StoreDriver             string
	AverageServiceTime      time.Duration
	ServiceTimeWindow       time.Duration
	ConflictRetries         int
	NotifyBuffer            int
	RateLimitPerMinute      int
	RateLimitBurst          int
	ActorRateLimitPerMinute int
	ActorRateLimitBurst     int
	LogLevel                string
	CountersFile            string
}

// Load reads an optional env file and then the environment. A missing
// default .env is fine; a missing file that was asked for is not.
func Load(envFile string) (Config, error) {
	path := envFile
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if envFile != "" || !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	cfg := Config{
		Port:                    port,
		DatabaseURL:             os.Getenv("DB_DSN"),
		StoreDriver:             strings.ToLower(readString("STORE_DRIVER", DriverMemory)),
		AverageServiceTime:      readDurationSeconds("AVG_SERVICE_SECONDS", 300),
		ServiceTimeWindow:       readDurationSeconds("SERVICE_TIME_WINDOW_SECONDS", 86400),
		ConflictRetries:         readInt("CONFLICT_RETRIES", 3),
		NotifyBuffer:            readInt("NOTIFY_BUFFER", 256),
		RateLimitPerMinute:      readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_BURST", 30),
		ActorRateLimitPerMinute: readInt("ACTOR_RATE_LIMIT_PER_MIN", 600),
		ActorRateLimitBurst:     readInt("ACTOR_RATE_LIMIT_BURST", 120),
		LogLevel:                readString("LOG_LEVEL", "info"),
		CountersFile:            os.Getenv("COUNTERS_FILE"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ConflictRetries < 1 {
		return errors.New("CONFLICT_RETRIES must be at least 1")
	}
	if c.NotifyBuffer < 1 {
		return errors.New("NOTIFY_BUFFER must be at least 1")
	}
	return nil
}

type countersFile struct {
	Counters []counterEntry `yaml:"counters"`
}

// counterEntry leaves Active nil when the key is absent; such counters open.
type counterEntry struct {
	CounterID string `yaml:"counter_id"`
	Name      string `yaml:"name"`
	Active    *bool  `yaml:"active"`
}

// LoadCounters reads the counters to create at boot.
func LoadCounters(path string) ([]models.Counter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read counters file: %w", err)
	}
	var file countersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse counters file: %w", err)
	}
	seen := make(map[string]bool, len(file.Counters))
	counters := make([]models.Counter, 0, len(file.Counters))
	for i, entry := range file.Counters {
		counter := models.Counter{
			CounterID: strings.TrimSpace(entry.CounterID),
			Name:      entry.Name,
			Active:    entry.Active == nil || *entry.Active,
		}
		if counter.CounterID == "" {
			return nil, fmt.Errorf("counter %d has no counter_id", i+1)
		}
		if seen[counter.CounterID] {
			return nil, fmt.Errorf("duplicate counter_id %q", counter.CounterID)
		}
		seen[counter.CounterID] = true
		if counter.Name == "" {
			counter.Name = counter.CounterID
		}
		counters = append(counters, counter)
	}
	return counters, nil
}

func readString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
