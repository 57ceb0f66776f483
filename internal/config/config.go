package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Matching engine
	MatchIntervalMinutes int // minutes between incremental matching runs
	MatchBatchLimit      int // max listings per matching window

	// Delivery
	DeliveryIntervalSeconds int    // seconds between queue drains
	DeliveryBatchSize       int    // entries claimed per drain
	DeliveryWorkers         int    // concurrent delivery workers
	BaseURL                 string // public base URL used in notification links

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (mobile push)
	SNSEnabled   bool   // gate SNS push delivery on explicit opt-in

	// Rate limiting for the HTTP API
	APIRateLimit  int // requests per window per client, 0 disables
	APIRateWindow int // window length in seconds
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "autoscouter",
		DBPassword: "",
		DBName:     "autoscouter",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		MatchIntervalMinutes: 20,
		MatchBatchLimit:      1000,

		DeliveryIntervalSeconds: 120,
		DeliveryBatchSize:       50,
		DeliveryWorkers:         4,
		BaseURL:                 "http://localhost:8080",

		AWSRegion:    "eu-south-1",
		SESFromEmail: "alerts@autoscouter.local",

		APIRateLimit:  100,
		APIRateWindow: 60,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// Matching engine config
	if interval := os.Getenv("MATCH_INTERVAL_MINUTES"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid MATCH_INTERVAL_MINUTES: %w", err)
		}
		cfg.MatchIntervalMinutes = i
	}

	if limit := os.Getenv("MATCH_BATCH_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid MATCH_BATCH_LIMIT: %w", err)
		}
		cfg.MatchBatchLimit = l
	}

	// Delivery config
	if interval := os.Getenv("DELIVERY_INTERVAL_SECONDS"); interval != "" {
		i, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_INTERVAL_SECONDS: %w", err)
		}
		cfg.DeliveryIntervalSeconds = i
	}

	if size := os.Getenv("DELIVERY_BATCH_SIZE"); size != "" {
		s, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_BATCH_SIZE: %w", err)
		}
		cfg.DeliveryBatchSize = s
	}

	if workers := os.Getenv("DELIVERY_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_WORKERS: %w", err)
		}
		cfg.DeliveryWorkers = w
	}

	if base := os.Getenv("BASE_URL"); base != "" {
		cfg.BaseURL = base
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if enabled := os.Getenv("SNS_ENABLED"); enabled != "" {
		e, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid SNS_ENABLED: %w", err)
		}
		cfg.SNSEnabled = e
	}

	// API rate limiting
	if limit := os.Getenv("API_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_LIMIT: %w", err)
		}
		cfg.APIRateLimit = l
	}

	if window := os.Getenv("API_RATE_WINDOW"); window != "" {
		w, err := strconv.Atoi(window)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_WINDOW: %w", err)
		}
		cfg.APIRateWindow = w
	}

	return cfg, nil
}
