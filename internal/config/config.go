package config

import (
	"os"
	"strconv"
	"strings"
)

// placeholderMarker is left in copied example settings and means the remote
// store was never filled in.
const placeholderMarker = "your-project"

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	RedisURL      string
	CORSOrigin    string
	LogLevel      string
	LogFormat     string
	// Admin gate and the separate hard-delete gate
	AdminSecret string
	PurgeSecret string
	// Reverse geocoding
	GeocoderURL      string
	GeocoderLanguage string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Photo object storage, disabled when MinioEndpoint is empty
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	AlertEmails  []string
	DashboardURL string
	// Chrome for PDF export; empty uses the default lookup
	ChromePath string
}

func Load() Config {
	return Config{
		Addr:             getenv("API_ADDR", ":8787"),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		MigrationsDir:    getenv("MIGRATIONS_DIR", "./db/migrations"),
		RedisURL:         getenv("REDIS_URL", "redis://localhost:6379/0"),
		CORSOrigin:       getenv("CORS_ORIGIN", "*"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "json"),
		AdminSecret:      getenv("ADMIN_SECRET", "639"),
		PurgeSecret:      getenv("PURGE_SECRET", ""),
		GeocoderURL:      getenv("GEOCODER_URL", "https://nominatim.openstreetmap.org"),
		GeocoderLanguage: getenv("GEOCODER_LANGUAGE", "ko"),
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:    getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:   getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:   getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:      getenv("MINIO_BUCKET", "suyang-photos"),
		MinioUseSSL:      getenvBool("MINIO_USE_SSL", false),
		// SMTP - empty by default, email disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "수양동 안전 알림"),
		AlertEmails:  splitList(getenv("ALERT_EMAILS", "")),
		DashboardURL: getenv("DASHBOARD_URL", ""),
		ChromePath:   getenv("CHROME_PATH", ""),
	}
}

// RemoteConfigured reports whether DatabaseURL points at a real store.
func (c Config) RemoteConfigured() bool {
	url := strings.TrimSpace(c.DatabaseURL)
	return url != "" && !strings.Contains(url, placeholderMarker)
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
