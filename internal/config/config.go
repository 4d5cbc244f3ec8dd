package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yourorg/form4-ingest/internal/apperror"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	SEC      SECConfig `mapstructure:"sec"`
	Redis    RedisConfig
	Kafka    KafkaConfig
	Scraper  ScraperConfig
	Logging  LoggingConfig
	Tracing  TracingConfig
}

// ServerConfig holds server specific configuration
type ServerConfig struct {
	Port         string `validate:"required"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database specific configuration. DSN wins over the
// discrete connection fields when set.
type DatabaseConfig struct {
	Driver          string `validate:"oneof=pgx postgres sqlite"`
	DSN             string
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int `validate:"gte=1"`
	MaxIdleConns    int `validate:"gte=0"`
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// SECConfig holds EDGAR access configuration
type SECConfig struct {
	UserAgent          string        `validate:"required,containsrune=@"`
	BaseURL            string        `validate:"required,url"`
	DataBaseURL        string        `validate:"required,url"`
	RequestsPerSecond  int           `validate:"gte=1,lte=10"`
	Timeout            time.Duration `validate:"gt=0"`
	MaxThrottleRetries int           `validate:"gte=0"`
	TickerCacheTTL     time.Duration
}

// RedisConfig enables the distributed request budget
type RedisConfig struct {
	Enabled  bool
	Addr     string `validate:"required_if=Enabled true"`
	Password string
	DB       int
	Key      string
}

// KafkaConfig holds Kafka specific configuration
type KafkaConfig struct {
	Enabled  bool
	Brokers  []string `validate:"required_if=Enabled true"`
	ClientID string
	Topics   KafkaTopics
}

// KafkaTopics names the topics events are published to
type KafkaTopics struct {
	Trades  string
	Scrapes string
}

// ScraperConfig holds ingestion defaults
type ScraperConfig struct {
	DaysBack             int `validate:"gte=1"`
	MaxFilingsPerCompany int `validate:"gte=1"`
	CompanyDelay         time.Duration
	StaleAfter           time.Duration
	Watchlist            []string
}

// LoggingConfig holds logging specific configuration
type LoggingConfig struct {
	Level  string
	Format string `validate:"oneof=json console"`
}

// TracingConfig toggles the stdout span exporter
type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// LoadConfig loads the configuration from an optional file, a .env file and
// environment variables. A missing or malformed SEC User-Agent is returned
// as an *apperror.ConfigurationError.
func LoadConfig(path string) (*Config, error) {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Environment variables override
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("sec.userAgent", "SEC_USER_AGENT")
	_ = v.BindEnv("database.dsn", "DATABASE_DSN", "DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SEC.UserAgent = strings.TrimSpace(cfg.SEC.UserAgent)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration and converts the first failure into a
// ConfigurationError.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &apperror.ConfigurationError{
				Field:   fe.Namespace(),
				Message: describe(fe),
			}
		}
		return &apperror.ConfigurationError{Field: "config", Message: err.Error()}
	}

	if strings.Contains(strings.ToLower(c.SEC.UserAgent), "example.com") {
		return &apperror.ConfigurationError{
			Field:   "Config.SEC.UserAgent",
			Message: "must carry a real contact email, not example.com",
		}
	}

	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if fe.Field() == "UserAgent" {
			return "SEC requires a User-Agent of the form \"Company Name contact@domain\" (set SEC_USER_AGENT)"
		}
		return "is required"
	case "containsrune":
		return "must contain a contact email address"
	case "required_if":
		return "is required when enabled"
	default:
		return fmt.Sprintf("failed %q validation (value %v)", fe.Tag(), fe.Value())
	}
}

// DatabaseDSN returns the connection string for the configured driver
func (d DatabaseConfig) DatabaseDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	if d.Driver == "sqlite" {
		return "file:form4.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.DBName,
		d.SSLMode,
	)
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.readTimeout", "10s")
	v.SetDefault("server.writeTimeout", "15m")
	v.SetDefault("server.idleTimeout", "120s")

	// Database defaults
	v.SetDefault("database.driver", "pgx")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "form4")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", "30m")
	v.SetDefault("database.autoMigrate", true)

	// SEC defaults
	v.SetDefault("sec.userAgent", "")
	v.SetDefault("sec.baseURL", "https://www.sec.gov")
	v.SetDefault("sec.dataBaseURL", "https://data.sec.gov")
	v.SetDefault("sec.requestsPerSecond", 10)
	v.SetDefault("sec.timeout", "30s")
	v.SetDefault("sec.maxThrottleRetries", 5)
	v.SetDefault("sec.tickerCacheTTL", "24h")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "form4:sec-requests")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.clientID", "form4-ingest")
	v.SetDefault("kafka.topics.trades", "insider-trades")
	v.SetDefault("kafka.topics.scrapes", "scrape-runs")

	// Scraper defaults
	v.SetDefault("scraper.daysBack", 30)
	v.SetDefault("scraper.maxFilingsPerCompany", 50)
	v.SetDefault("scraper.companyDelay", "1s")
	v.SetDefault("scraper.staleAfter", "2h")
	v.SetDefault("scraper.watchlist", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "form4-ingest")
}
