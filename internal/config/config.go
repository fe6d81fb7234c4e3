/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the stream-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisIdempotencyPrefix string `mapstructure:"REDIS_IDEMPOTENCY_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	StreamEventExchange    string `mapstructure:"STREAM_EVENT_EXCHANGE"`
	DirectoryAPIBaseURL    string `mapstructure:"DIRECTORY_API_BASE_URL"`
	DirectoryAPIKey        string `mapstructure:"DIRECTORY_API_KEY"`
	ServiceJWTSecret       string `mapstructure:"SERVICE_JWT_SECRET"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	DefaultCurrency        string `mapstructure:"DEFAULT_CURRENCY"`
	HealthSweepSchedule    string `mapstructure:"HEALTH_SWEEP_SCHEDULE"`
	IdempotencyTTLMinutes  int    `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	StoreDriver            string `mapstructure:"STORE_DRIVER"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_IDEMPOTENCY_PREFIX", "fluxa:idempotency")
	viper.SetDefault("STREAM_EVENT_EXCHANGE", "fluxa.events")
	viper.SetDefault("DEFAULT_CURRENCY", "USDC")
	viper.SetDefault("HEALTH_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("STORE_DRIVER", "postgres")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "STREAM_REDIS_URL")
	_ = viper.BindEnv("REDIS_IDEMPOTENCY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("STREAM_EVENT_EXCHANGE")
	_ = viper.BindEnv("DIRECTORY_API_BASE_URL")
	_ = viper.BindEnv("DIRECTORY_API_KEY")
	_ = viper.BindEnv("SERVICE_JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "STREAM_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("HEALTH_SWEEP_SCHEDULE")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("STORE_DRIVER")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("STREAM_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisIdempotencyPrefix = strings.TrimSpace(config.RedisIdempotencyPrefix)
	if config.RedisIdempotencyPrefix == "" {
		config.RedisIdempotencyPrefix = "fluxa:idempotency"
	}

	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "USDC"
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case "postgres", "memory":
	case "":
		config.StoreDriver = "postgres"
	default:
		log.Printf("level=warn component=config msg=\"unknown store driver; falling back to postgres\" driver=%q", config.StoreDriver)
		config.StoreDriver = "postgres"
	}

	if strings.TrimSpace(config.HealthSweepSchedule) == "" {
		config.HealthSweepSchedule = "@every 1m"
	}
	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}

	return
}
