package auth

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config は認証サブシステムの設定値。
// プロセス起動時に1回だけ構築し、以後は値として受け渡す（変更しない）。
type Config struct {
	// Issuer はセッショントークンのissクレーム。
	Issuer string
	// SigningKey はHS256署名鍵。ログやレスポンスには決して出力しない。
	SigningKey []byte
	// TokenTTL はセッショントークンの有効期間。
	TokenTTL time.Duration
	// PlaceholderDomain はプレースホルダーメールアドレスのドメイン。
	PlaceholderDomain string
	// BaseURL はリダイレクト判定の基準となるオリジン（例: https://app.example.com）。
	BaseURL string
	// DefaultLandingPath はトップへのリダイレクト要求時の遷移先パス。
	DefaultLandingPath string
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int
}

// minSigningKeyBytes はHS256の鍵として受け付ける最小長。
const minSigningKeyBytes = 32

// Validate は設定値の整合性を検証する。
func (c Config) Validate() error {
	var problems []string
	if len(c.SigningKey) < minSigningKeyBytes {
		problems = append(problems, fmt.Sprintf("signing key must be at least %d bytes", minSigningKeyBytes))
	}
	if c.TokenTTL <= 0 {
		problems = append(problems, "token TTL must be positive")
	}
	if c.PlaceholderDomain == "" || strings.Contains(c.PlaceholderDomain, "@") {
		problems = append(problems, "placeholder domain is invalid")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "base URL must be an absolute URL")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		problems = append(problems, "bcrypt cost must be between 4 and 31")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid auth config: %s", strings.Join(problems, "; "))
	}
	return nil
}
