package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port    string `validate:"required,numeric"`
	DataDir string `validate:"required"`

	// EnsembleBaseURL is the remote grid endpoint the downloader queries.
	EnsembleBaseURL string `validate:"required,url"`

	// Lead times requested: 0..ForecastHorizonHours every ForecastStepHours.
	ForecastHorizonHours int `validate:"gte=0,lte=360"`
	ForecastStepHours    int `validate:"gt=0,lte=24"`

	// EnsembleMembers caps the perturbed members aggregated per step.
	EnsembleMembers int `validate:"gt=0"`

	StaleAfter      time.Duration `validate:"gt=0"`
	RefreshInterval time.Duration `validate:"gte=1m"`
	RefreshTimeout  time.Duration `validate:"gt=0"`

	// Per-request download timeout and retry bound.
	HTTPTimeout        time.Duration `validate:"gt=0"`
	DownloadMaxRetries int           `validate:"gte=0,lte=10"`

	// RunLogPath enables the SQLite refresh-run log when set.
	RunLogPath string
}

var validate = validator.New()

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{
		Port:                 getenvDefault("PORT", "8080"),
		DataDir:              getenvDefault("DATA_DIR", "./data"),
		EnsembleBaseURL:      os.Getenv("ENSEMBLE_BASE_URL"),
		ForecastHorizonHours: getenvInt("FORECAST_HORIZON_HOURS", 36),
		ForecastStepHours:    getenvInt("FORECAST_STEP_HOURS", 6),
		EnsembleMembers:      getenvInt("ENSEMBLE_MEMBERS", 50),
		DownloadMaxRetries:   getenvInt("DOWNLOAD_MAX_RETRIES", 3),
		RunLogPath:           os.Getenv("RUN_LOG_PATH"),
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"STALE_AFTER", "12h", &cfg.StaleAfter},
		{"REFRESH_INTERVAL", "60m", &cfg.RefreshInterval},
		{"REFRESH_TIMEOUT", "30m", &cfg.RefreshTimeout},
		{"HTTP_TIMEOUT", "10m", &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getenvDefault(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Steps returns the lead times to request, in hours.
func (c *AppConfig) Steps() []int {
	var steps []int
	for h := 0; h <= c.ForecastHorizonHours; h += c.ForecastStepHours {
		steps = append(steps, h)
	}
	return steps
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}
