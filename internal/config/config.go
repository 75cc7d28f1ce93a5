package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"libresync/internal/domain"
	"libresync/internal/librelink"
	"libresync/internal/normalize"
	"libresync/internal/resolver"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	BackendMongoDB  = "mongodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Username             string `validate:"required"`
	Password             string `validate:"required"`
	ClientVersion        string `validate:"required"`
	ConnectionIdentifier string
	BaseURL              string        `validate:"required,url"`
	Country              string        `validate:"required,len=2"`
	RequestTimeout       time.Duration `validate:"gt=0"`
	TimestampOffset      time.Duration `validate:"gte=-14h,lte=14h"`
	NumReadings          int           `validate:"gt=0"`

	StoreBackend string `validate:"oneof=mongodb postgres memory"`
	MongoDBURI   string `validate:"required_if=StoreBackend mongodb"`
	MongoDBName  string `validate:"required_if=StoreBackend mongodb"`
	DatabaseURL  string `validate:"required_if=StoreBackend postgres"`

	ServerPort      string        `validate:"required"`
	AverageAmount   int           `validate:"gte=0"`
	AverageInterval time.Duration `validate:"gt=0"`

	KafkaBrokers []string
	KafkaTopic   string `validate:"required_with=KafkaBrokers"`

	LogDevelopment      bool
	ExportDisplayOffset time.Duration `validate:"gte=-14h,lte=14h"`
}

// LoadConfig reads the environment, after loading a .env file when one exists.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Username:             os.Getenv("LIBRE_USERNAME"),
		Password:             os.Getenv("LIBRE_PASSWORD"),
		ClientVersion:        getEnv("LIBRE_CLIENT_VERSION", librelink.DefaultClientVersion),
		ConnectionIdentifier: strings.TrimSpace(os.Getenv("LIBRE_CONNECTION_IDENTIFIER")),
		BaseURL:              getEnv("LIBRE_BASE_URL", librelink.DefaultBaseURL),
		Country:              strings.ToUpper(getEnv("LIBRE_COUNTRY", librelink.DefaultCountry)),
		StoreBackend:         strings.ToLower(getEnv("STORE_BACKEND", BackendMongoDB)),
		MongoDBURI:           os.Getenv("MONGODB_URI"),
		MongoDBName:          os.Getenv("MONGODB_NAME"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		ServerPort:           getEnv("SERVER_PORT", ":8080"),
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", "glucose-readings"),
	}

	var err error
	if config.RequestTimeout, err = getDuration("LIBRE_REQUEST_TIMEOUT", librelink.DefaultRequestTimeout); err != nil {
		return nil, err
	}
	if config.TimestampOffset, err = getDuration("LIBRE_TIMESTAMP_OFFSET", 0); err != nil {
		return nil, err
	}
	if config.NumReadings, err = getInt("NUM_READINGS", 1000); err != nil {
		return nil, err
	}
	if config.AverageAmount, err = getInt("AVERAGE_AMOUNT", 0); err != nil {
		return nil, err
	}
	if config.AverageInterval, err = getDuration("AVERAGE_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if config.LogDevelopment, err = getBool("LOG_DEVELOPMENT", false); err != nil {
		return nil, err
	}
	if config.ExportDisplayOffset, err = getDuration("EXPORT_DISPLAY_OFFSET", 3*time.Hour); err != nil {
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return nil, errors.Wrap(err, "failed to validate config")
	}

	return config, nil
}

func (c *Config) Credentials() domain.Credentials {
	return domain.Credentials{
		Username:      c.Username,
		Password:      c.Password,
		ClientVersion: c.ClientVersion,
	}
}

func (c *Config) SessionOptions() librelink.Options {
	return librelink.Options{
		BaseURL:        c.BaseURL,
		Country:        c.Country,
		RequestTimeout: c.RequestTimeout,
	}
}

func (c *Config) NormalizeOptions() normalize.Options {
	return normalize.Options{Offset: c.TimestampOffset}
}

func (c *Config) Selector() resolver.Selector {
	return resolver.FromIdentifier(c.ConnectionIdentifier)
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Wrapf(err, "invalid %s", key)
	}
	return b, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
