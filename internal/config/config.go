// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// minSessionSecretBytes はSESSION_SECRET（HS256署名鍵）の最小長。
const minSessionSecretBytes = 32

// OAuthProviderConfig は外部IdP1件分のクライアント設定。
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled はクライアントIDが設定されているかを返す。
func (p OAuthProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	LINE            OAuthProviderConfig
	Google          OAuthProviderConfig
	ProviderTimeout time.Duration

	// Session
	SessionSecret string
	SessionMaxAge int
	SessionIssuer string

	// Identity
	PlaceholderEmailDomain string
	DefaultLandingPath     string
	BcryptCost             int

	// Rate Limit
	RateLimitGeneral int
	RateLimitLogin   int

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.LINE = loadProvider("LINE_CHANNEL_ID", "LINE_CHANNEL_SECRET", "LINE_REDIRECT_URL")
	cfg.Google = loadProvider("GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REDIRECT_URL")

	// IdPはクライアントIDを設定した場合のみ有効で、その場合は残りも必須
	if cfg.LINE.Enabled() {
		missing = append(missing, missingProviderVars(cfg.LINE, "LINE_CHANNEL_SECRET", "LINE_REDIRECT_URL")...)
	}
	if cfg.Google.Enabled() {
		missing = append(missing, missingProviderVars(cfg.Google, "GOOGLE_CLIENT_SECRET", "GOOGLE_REDIRECT_URL")...)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if len(cfg.SessionSecret) < minSessionSecretBytes {
		return nil, fmt.Errorf("SESSION_SECRET must be at least %d bytes", minSessionSecretBytes)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 2592000)
	cfg.SessionIssuer = getEnvString("SESSION_ISSUER", "tablegate")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.PlaceholderEmailDomain = getEnvString("PLACEHOLDER_EMAIL_DOMAIN", "line.placeholder.invalid")
	cfg.DefaultLandingPath = getEnvString("DEFAULT_LANDING_PATH", "/dashboard")
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", 12)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.LogLevel = getEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// SessionTTL はセッションの有効期間を返す。
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}

func loadProvider(idKey, secretKey, redirectKey string) OAuthProviderConfig {
	return OAuthProviderConfig{
		ClientID:     os.Getenv(idKey),
		ClientSecret: os.Getenv(secretKey),
		RedirectURL:  os.Getenv(redirectKey),
	}
}

func missingProviderVars(p OAuthProviderConfig, secretKey, redirectKey string) []string {
	var missing []string
	if p.ClientSecret == "" {
		missing = append(missing, secretKey)
	}
	if p.RedirectURL == "" {
		missing = append(missing, redirectKey)
	}
	return missing
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
