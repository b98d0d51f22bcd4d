package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/xerrors"
)

// Scheduler backends.
const (
	SchedulerRedis  = "redis"
	SchedulerMemory = "memory"
)

type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Monitoring MonitoringConfig
	Scheduler  SchedulerConfig
	Provider   ProviderConfig
	SMTP       SMTPConfig
	Ops        OpsConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers       []string
	TopicSamples  string
	TopicReroutes string
	NumPartitions int
}

// MonitoringConfig holds the tunables of the polling engine and the
// baseline statistics. They are read once at startup.
type MonitoringConfig struct {
	DailyQuota          int
	PollInterval        time.Duration
	ReroutePct          float64
	ProviderTimeout     time.Duration
	BaselineLookback    int // days
	SlotMinutes         int
	MinDistinctDays     int
	OptimalTolerancePct float64
	Timezone            string
	WindowCheckSpec     string
}

// Location resolves the configured time zone. Session dates, weekday
// and time-of-day buckets are all computed in this location.
func (m MonitoringConfig) Location() (*time.Location, error) {
	return time.LoadLocation(m.Timezone)
}

type SchedulerConfig struct {
	Backend    string
	Workers    int
	PollPeriod time.Duration
	KeyPrefix  string
}

type ProviderConfig struct {
	Default          string
	GoogleAPIKey     string
	GoogleBaseURL    string
	OSRMBaseURL      string
	NominatimBaseURL string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type OpsConfig struct {
	Addr     string
	LogLevel string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "commute_user"),
			Password: getEnv("DB_PASSWORD", "commute_pass"),
			DBName:   getEnv("DB_NAME", "commute_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicSamples:  getEnv("KAFKA_TOPIC_SAMPLES", "commute.samples"),
			TopicReroutes: getEnv("KAFKA_TOPIC_REROUTES", "commute.reroutes"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
		},
		Monitoring: MonitoringConfig{
			DailyQuota:          getEnvAsInt("DAILY_QUOTA", 10),
			PollInterval:        getEnvAsDuration("POLL_INTERVAL", 5*time.Minute),
			ReroutePct:          getEnvAsFloat("REROUTE_THRESHOLD_PCT", 15),
			ProviderTimeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 10*time.Second),
			BaselineLookback:    getEnvAsInt("BASELINE_LOOKBACK_DAYS", 90),
			SlotMinutes:         getEnvAsInt("BASELINE_SLOT_MINUTES", 5),
			MinDistinctDays:     getEnvAsInt("BASELINE_MIN_DISTINCT_DAYS", 3),
			OptimalTolerancePct: getEnvAsFloat("OPTIMAL_TOLERANCE_PCT", 5),
			Timezone:            getEnv("MONITOR_TIMEZONE", "UTC"),
			WindowCheckSpec:     getEnv("WINDOW_CHECK_SPEC", "@every 1m"),
		},
		Scheduler: SchedulerConfig{
			Backend:    getEnv("SCHEDULER_BACKEND", SchedulerRedis),
			Workers:    getEnvAsInt("SCHEDULER_WORKERS", 10),
			PollPeriod: getEnvAsDuration("SCHEDULER_POLL_PERIOD", time.Second),
			KeyPrefix:  getEnv("SCHEDULER_KEY_PREFIX", "commute:schedule"),
		},
		Provider: ProviderConfig{
			Default:          getEnv("PROVIDER_DEFAULT", "google"),
			GoogleAPIKey:     getEnv("GOOGLE_MAPS_API_KEY", ""),
			GoogleBaseURL:    getEnv("GOOGLE_MAPS_BASE_URL", "https://maps.googleapis.com"),
			OSRMBaseURL:      getEnv("OSRM_BASE_URL", "https://router.project-osrm.org"),
			NominatimBaseURL: getEnv("NOMINATIM_BASE_URL", "https://nominatim.openstreetmap.org"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "commute-monitor@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
		Ops: OpsConfig{
			Addr:     getEnv("OPS_ADDR", ":9090"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	m := c.Monitoring
	switch {
	case m.DailyQuota <= 0:
		return xerrors.Errorf("DAILY_QUOTA must be positive, got %d", m.DailyQuota)
	case m.PollInterval <= 0:
		return xerrors.Errorf("POLL_INTERVAL must be positive, got %s", m.PollInterval)
	case m.ReroutePct < 0:
		return xerrors.Errorf("REROUTE_THRESHOLD_PCT must not be negative, got %g", m.ReroutePct)
	case m.SlotMinutes <= 0 || 1440%m.SlotMinutes != 0:
		return xerrors.Errorf("BASELINE_SLOT_MINUTES must divide a day, got %d", m.SlotMinutes)
	case m.BaselineLookback <= 0:
		return xerrors.Errorf("BASELINE_LOOKBACK_DAYS must be positive, got %d", m.BaselineLookback)
	}
	if _, err := m.Location(); err != nil {
		return xerrors.Errorf("MONITOR_TIMEZONE %q: %w", m.Timezone, err)
	}

	switch c.Scheduler.Backend {
	case SchedulerRedis, SchedulerMemory:
	default:
		return xerrors.Errorf("unknown SCHEDULER_BACKEND %q", c.Scheduler.Backend)
	}
	if c.Scheduler.Workers <= 0 {
		return xerrors.Errorf("SCHEDULER_WORKERS must be positive, got %d", c.Scheduler.Workers)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
