package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dumpwatch/libs/dedupe"

	"github.com/joho/godotenv"
)

const (
	storageBackendLocal = "local"
	storageBackendS3    = "s3"
)

type Config struct {
	Addr                      string
	Env                       string
	DatabaseURL               string
	DataRoot                  string
	PublicBaseURL             string
	AppSigningSecret          string
	BootstrapOperatorEmail    string
	BootstrapOperatorPassword string
	MapboxAccessToken         string
	GeocoderProvider          string
	ResendAPIKey              string
	MailerFromAddresses       map[string]string

	StorageBackend     string
	MediaBaseURL       string
	S3Bucket           string
	S3Region           string
	S3PublicBaseURL    string
	S3UsePathStyle     bool
	S3Endpoint         string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	PendingTTL         time.Duration
	OutreachReplyTo    string
	OutreachSenderName string

	DuplicateRadiusM      float64
	DuplicateLookbackDays int
	SimilarityThreshold   float64
}

func loadConfig() (*Config, error) {
	if err := loadDotEnvFiles(".env", "../../.env"); err != nil {
		return nil, err
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		host := valueFromEnvKeys("PGHOST", "POSTGRES_HOST")
		if host == "" {
			host = "127.0.0.1"
		}
		port := valueFromEnvKeys("PGPORT", "POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		dbname := valueFromEnvKeys("PGDATABASE", "POSTGRES_DB")
		user := valueFromEnvKeys("PGUSER", "POSTGRES_USER")
		password := valueFromEnvKeys("PGPASSWORD", "POSTGRES_PASSWORD")
		sslmode := valueFromEnvKeys("PGSSLMODE", "POSTGRES_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		if dbname != "" && user != "" {
			databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
		}
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or PG*/POSTGRES_* variables must be configured")
	}

	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if len(secret) < 16 {
		return nil, fmt.Errorf("APP_SIGNING_SECRET must be at least 16 characters")
	}

	publicBase := strings.TrimRight(valueOrDefault("PUBLIC_BASE_URL", "https://dumpwatch.example.org"), "/")

	env := valueFromEnvKeys("APP_ENV", "NODE_ENV")
	if env == "" {
		env = "development"
	}

	cfg := &Config{
		Addr:                      valueOrDefault("GIN_ADDR", ":8080"),
		Env:                       env,
		DatabaseURL:               databaseURL,
		DataRoot:                  valueOrDefault("DATA_ROOT", "/var/lib/dumpwatch"),
		PublicBaseURL:             publicBase,
		AppSigningSecret:          secret,
		BootstrapOperatorEmail:    strings.TrimSpace(os.Getenv("BOOTSTRAP_OPERATOR_EMAIL")),
		BootstrapOperatorPassword: strings.TrimSpace(os.Getenv("BOOTSTRAP_OPERATOR_PASSWORD")),
		MapboxAccessToken:         strings.TrimSpace(os.Getenv("MAPBOX_ACCESS_TOKEN")),
		GeocoderProvider:          strings.TrimSpace(os.Getenv("GEOCODER_PROVIDER")),
		ResendAPIKey:              strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		MailerFromAddresses: map[string]string{
			"resend": valueOrDefault("MAILER_FROM_ADDRESS_RESEND", "signalements@mail.dumpwatch.example.org"),
			"log":    valueOrDefault("MAILER_FROM_ADDRESS_LOG", "noreply@dumpwatch.local"),
		},
		StorageBackend:     strings.ToLower(valueOrDefault("STORAGE_BACKEND", storageBackendLocal)),
		S3Bucket:           strings.TrimSpace(os.Getenv("S3_BUCKET")),
		S3Region:           valueOrDefault("S3_REGION", "eu-west-3"),
		S3PublicBaseURL:    strings.TrimRight(strings.TrimSpace(os.Getenv("S3_PUBLIC_BASE_URL")), "/"),
		S3Endpoint:         strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
		RedisAddr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		PendingTTL:         30 * time.Minute,
		OutreachReplyTo:    strings.TrimSpace(os.Getenv("OUTREACH_REPLY_TO")),
		OutreachSenderName: valueOrDefault("OUTREACH_SENDER_NAME", "L'équipe DumpWatch"),

		DuplicateRadiusM:      dedupe.DefaultRadiusMeters,
		DuplicateLookbackDays: int(dedupe.DefaultLookback / (24 * time.Hour)),
		SimilarityThreshold:   dedupe.DefaultSimilarityThreshold,
	}
	cfg.MediaBaseURL = publicBase + "/media"

	switch cfg.StorageBackend {
	case storageBackendLocal:
	case storageBackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
		if cfg.S3PublicBaseURL == "" {
			cfg.S3PublicBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3Bucket, cfg.S3Region)
		}
	default:
		return nil, fmt.Errorf("STORAGE_BACKEND must be 'local' or 's3'")
	}

	if raw := strings.TrimSpace(os.Getenv("S3_USE_PATH_STYLE")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("S3_USE_PATH_STYLE must be a boolean")
		}
		cfg.S3UsePathStyle = parsed
	}

	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("REDIS_DB must be a non-negative integer")
		}
		cfg.RedisDB = parsed
	}

	if raw := strings.TrimSpace(os.Getenv("PENDING_SUBMISSION_TTL")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("PENDING_SUBMISSION_TTL must be a positive duration")
		}
		cfg.PendingTTL = parsed
	}

	if raw := strings.TrimSpace(os.Getenv("DUPLICATE_RADIUS_M")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("DUPLICATE_RADIUS_M must be a valid number")
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("DUPLICATE_RADIUS_M must be > 0")
		}
		cfg.DuplicateRadiusM = parsed
	}

	if raw := strings.TrimSpace(os.Getenv("DUPLICATE_LOOKBACK_DAYS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("DUPLICATE_LOOKBACK_DAYS must be a positive integer")
		}
		cfg.DuplicateLookbackDays = parsed
	}

	if raw := strings.TrimSpace(os.Getenv("SIMILARITY_THRESHOLD")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("SIMILARITY_THRESHOLD must be a valid number")
		}
		if parsed < -1 || parsed > 1 {
			return nil, fmt.Errorf("SIMILARITY_THRESHOLD must be between -1 and 1")
		}
		cfg.SimilarityThreshold = parsed
	}

	return cfg, nil
}

// loadDotEnvFiles never overrides variables already set in the environment.
func loadDotEnvFiles(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func valueOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func valueFromEnvKeys(keys ...string) string {
	for _, key := range keys {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" {
			return value
		}
	}
	return ""
}
