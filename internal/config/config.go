package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every recognised tuning option for the pipeline, plus the
// connection and credential settings needed to boot the worker.
type Config struct {
	DatabaseURL        string
	GoogleClientID     string
	GoogleClientSecret string
	AnthropicAPIKey    string
	TokenEncryptionKey string // raw key material for internal/vault
	ShutdownTimeout    int    // seconds

	KeywordConfidenceThreshold  float64
	ProcessingBatchSize         int
	ProcessingDelayMS           int
	MonthsBack                  int
	LMMaxTokens                 int
	LMTemperature               float64
	LMTimeoutMS                 int
	LMRetryDelaysMS             []int
	LMContentTruncateChars      int
	TokenRefreshBufferMS        int
	StaleProcessingThresholdMin int
}

// Load reads configuration from environment variables, falling back to a
// .env file when present.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Gmail API will not work")
	}

	anthropicAPIKey := os.Getenv("ANTHROPIC_API_KEY")
	if anthropicAPIKey == "" {
		fmt.Println("Warning: ANTHROPIC_API_KEY not set, LM classification is disabled and all escalations fall back to keyword results")
	}

	tokenEncryptionKey := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if tokenEncryptionKey == "" {
		fmt.Println("Warning: TOKEN_ENCRYPTION_KEY not set, the worker cannot build the Token Broker's cipher and will not start")
	}

	cfg := &Config{
		DatabaseURL:        dbURL,
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		AnthropicAPIKey:    anthropicAPIKey,
		TokenEncryptionKey: tokenEncryptionKey,
		ShutdownTimeout:    30,

		KeywordConfidenceThreshold:  0.3,
		ProcessingBatchSize:         50,
		ProcessingDelayMS:           100,
		MonthsBack:                  12,
		LMMaxTokens:                 500,
		LMTemperature:               0,
		LMTimeoutMS:                 15000,
		LMRetryDelaysMS:             []int{10000, 30000, 90000},
		LMContentTruncateChars:      4000,
		TokenRefreshBufferMS:        300000,
		StaleProcessingThresholdMin: 30,
	}

	overrideFloat(&cfg.KeywordConfidenceThreshold, "KEYWORD_CONFIDENCE_THRESHOLD")
	overrideInt(&cfg.ProcessingBatchSize, "PROCESSING_BATCH_SIZE")
	overrideInt(&cfg.ProcessingDelayMS, "PROCESSING_DELAY_MS")
	overrideInt(&cfg.MonthsBack, "MONTHS_BACK")
	overrideInt(&cfg.LMMaxTokens, "LM_MAX_TOKENS")
	overrideFloat(&cfg.LMTemperature, "LM_TEMPERATURE")
	overrideInt(&cfg.LMTimeoutMS, "LM_TIMEOUT_MS")
	overrideInt(&cfg.LMContentTruncateChars, "LM_CONTENT_TRUNCATE_CHARS")
	overrideInt(&cfg.TokenRefreshBufferMS, "TOKEN_REFRESH_BUFFER_MS")
	overrideInt(&cfg.StaleProcessingThresholdMin, "STALE_PROCESSING_THRESHOLD_MIN")

	return cfg, nil
}

func overrideInt(dst *int, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func overrideFloat(dst *float64, envKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}
