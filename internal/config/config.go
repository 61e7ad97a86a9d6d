package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/petermazzocco/imagehost/internal/quota"
)

type Config struct {
	Server   ServerConfig
	App      AppConfig
	Security SecurityConfig
	Database DatabaseConfig
	Quota    QuotaConfig
	Storage  StorageConfig
	OAuth    OAuthConfig
}

type ServerConfig struct {
	Host string
	Port string
}

type AppConfig struct {
	Debug         bool
	TimeZone      string
	Location      *time.Location
	MaxUploadSize int64
	MediaRoot     string
	MediaURL      string
	LogDir        string
}

type SecurityConfig struct {
	SecretKey      string
	AllowedHosts   []string
	TrustedOrigins []string
	AuthRateLimit  int
	SecureCookies  bool
}

type DatabaseConfig struct {
	URL string
}

type QuotaConfig struct {
	MaxUploads int
	Window     quota.Window
}

type StorageConfig struct {
	Backend         string
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

type OAuthConfig struct {
	GoogleKey         string
	GoogleSecret      string
	GoogleCallbackURL string
}

// Policy returns the quota policy the admission filter and upload handler enforce.
func (c *Config) Policy() quota.Policy {
	return quota.Policy{MaxCount: c.Quota.MaxUploads, Window: c.Quota.Window}
}

func Load() (*Config, error) {
	// .env is optional: containers inject the environment directly.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8000")
	v.SetDefault("SECRET_KEY", "dev-insecure-key")
	v.SetDefault("DEBUG", false)
	v.SetDefault("ALLOWED_HOSTS", "localhost,127.0.0.1,0.0.0.0")
	v.SetDefault("CSRF_TRUSTED_ORIGINS", "")
	v.SetDefault("AUTH_RATE_LIMIT", 20)
	v.SetDefault("SESSION_COOKIE_SECURE", false)
	v.SetDefault("TIME_ZONE", "UTC")
	v.SetDefault("DATABASE_URL", "sqlite://./db.sqlite3")
	v.SetDefault("MAX_UPLOAD_SIZE", 5*1024*1024) // 5MB
	v.SetDefault("MEDIA_ROOT", "./media")
	v.SetDefault("MEDIA_URL", "/media/")
	v.SetDefault("LOG_DIR", "./logs")
	v.SetDefault("QUOTA_MAX_UPLOADS", 10)
	v.SetDefault("QUOTA_WINDOW", "calendar_day")
	v.SetDefault("STORAGE_BACKEND", "local")
	v.SetDefault("S3_REGION", "auto")
	v.SetDefault("GOOGLE_CALLBACK_URL", "http://localhost:8000/auth/google/callback")

	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetString("SERVER_PORT"),
		},
		App: AppConfig{
			Debug:         v.GetBool("DEBUG"),
			TimeZone:      v.GetString("TIME_ZONE"),
			MaxUploadSize: v.GetInt64("MAX_UPLOAD_SIZE"),
			MediaRoot:     v.GetString("MEDIA_ROOT"),
			MediaURL:      v.GetString("MEDIA_URL"),
			LogDir:        v.GetString("LOG_DIR"),
		},
		Security: SecurityConfig{
			SecretKey:      v.GetString("SECRET_KEY"),
			AllowedHosts:   splitList(v.GetString("ALLOWED_HOSTS")),
			TrustedOrigins: splitList(v.GetString("CSRF_TRUSTED_ORIGINS")),
			AuthRateLimit:  v.GetInt("AUTH_RATE_LIMIT"),
			SecureCookies:  v.GetBool("SESSION_COOKIE_SECURE"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("DATABASE_URL"),
		},
		Quota: QuotaConfig{
			MaxUploads: v.GetInt("QUOTA_MAX_UPLOADS"),
		},
		Storage: StorageConfig{
			Backend:         v.GetString("STORAGE_BACKEND"),
			Endpoint:        v.GetString("S3_ENDPOINT"),
			Region:          v.GetString("S3_REGION"),
			Bucket:          v.GetString("S3_BUCKET"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("S3_SECRET_ACCESS_KEY"),
			PublicURL:       v.GetString("S3_PUBLIC_URL"),
		},
		OAuth: OAuthConfig{
			GoogleKey:         v.GetString("GOOGLE_KEY"),
			GoogleSecret:      v.GetString("GOOGLE_SECRET"),
			GoogleCallbackURL: v.GetString("GOOGLE_CALLBACK_URL"),
		},
	}

	loc, err := time.LoadLocation(cfg.App.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIME_ZONE %q: %w", cfg.App.TimeZone, err)
	}
	cfg.App.Location = loc

	window, err := quota.ParseWindow(v.GetString("QUOTA_WINDOW"))
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTA_WINDOW: %w", err)
	}
	cfg.Quota.Window = window

	if cfg.App.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", cfg.App.MaxUploadSize)
	}
	if cfg.Quota.MaxUploads <= 0 {
		return nil, fmt.Errorf("QUOTA_MAX_UPLOADS must be positive, got %d", cfg.Quota.MaxUploads)
	}
	switch cfg.Storage.Backend {
	case "local":
	case "s3":
		if cfg.Storage.Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.Storage.Backend)
	}

	if err := createDirs(cfg); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func createDirs(cfg *Config) error {
	dirs := []string{cfg.App.LogDir}
	if cfg.Storage.Backend == "local" {
		dirs = append(dirs, filepath.Join(cfg.App.MediaRoot, "uploads"))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
