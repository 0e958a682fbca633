package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates bootstrap configuration for the API server and the bot.
// Operator-tunable values (markup, caps, trial limits, exchange rates) are
// not here: they live in the system_settings table and are read per
// operation through settings.Store.
type Config struct {
	BotToken         string
	MySQLDSN         string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ProviderAPIKey   string
	ProviderBaseURL  string
	RequestTimeout   time.Duration
	APIListenAddr    string
	AdminUsername    string
	AdminPassword    string
	APIBaseURL       string
	PaymentCurrency  string
	S3Endpoint       string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	S3Bucket         string
	S3PublicBaseURL  string
	S3UsePathStyle   bool
	S3Prefix         string
	ReferencesEnable bool
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	const defaultProviderBaseURL = "https://api.kie.ai"

	cfg := Config{
		ProviderBaseURL:  normalizeProviderBaseURL(getEnv("PROVIDER_BASE_URL", defaultProviderBaseURL), defaultProviderBaseURL),
		RequestTimeout:   time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getInt("REDIS_DB", 0),
		APIListenAddr:    getEnv("API_LISTEN_ADDR", ":8080"),
		AdminUsername:    getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:    getEnv("ADMIN_PASSWORD", "change-me"),
		APIBaseURL:       getEnv("API_BASE_URL", "http://localhost:8080"),
		PaymentCurrency:  getEnv("PAYMENT_CURRENCY", "XTR"),
		S3Endpoint:       getEnv("S3_ENDPOINT", ""),
		S3Region:         os.Getenv("S3_REGION"),
		S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
		S3Bucket:         os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:  os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:   getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:         getEnv("S3_PREFIX", "references"),
		ReferencesEnable: getBool("REFERENCES_ENABLE", false),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.ProviderAPIKey = os.Getenv("PROVIDER_API_KEY")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.ProviderAPIKey == "" {
		missing = append(missing, "PROVIDER_API_KEY")
	}
	if cfg.ReferencesEnable {
		if cfg.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if cfg.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if cfg.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if cfg.S3Bucket == "" {
			missing = append(missing, "S3_BUCKET")
		}
		if cfg.S3PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// normalizeProviderBaseURL ensures we always hit the documented API host. Some
// docs use the root domain, which returns HTML instead of JSON and causes 404s.
func normalizeProviderBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	return parsed.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Running purely on real environment variables is fine.
	return nil
}
