package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

const (
	defaultLINEAuthURL    = "https://access.line.me/oauth2/v2.1/authorize"
	defaultLINETokenURL   = "https://api.line.me/oauth2/v2.1/token"
	defaultLINEProfileURL = "https://api.line.me/v2/profile"

	defaultGoogleAuthURL    = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL   = "https://oauth2.googleapis.com/token"
	defaultGoogleProfileURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	// maxProfileBytes はプロフィールレスポンスの読み取り上限。
	maxProfileBytes = 1 << 20
)

// 対応している外部IdP名
const (
	ProviderLINE   = "line"
	ProviderGoogle = "google"
)

// OAuthProvider は外部IdPとの認可コードフローのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダー名（URLパスに使われる）を返す。
	Name() string
	// LoginURL は認可エンドポイントのURLを生成する。
	LoginURL(state string) string
	// Exchange は認可コードをトークンに交換し、プロフィールを取得する。
	Exchange(ctx context.Context, code string) (*ExternalProfile, error)
}

// ProviderConfig は外部IdPのクライアント設定。
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	ProfileURL string
}

// profileDecoder はプロフィールエンドポイントのレスポンスをExternalProfileに変換する。
type profileDecoder func(body []byte) (*ExternalProfile, error)

// OAuth2Provider はoauth2.Configによる認可コードフローの実装。
// トークン交換とプロフィール取得はclientを経由して行う。
type OAuth2Provider struct {
	name       string
	config     oauth2.Config
	profileURL string
	client     *http.Client
	decode     profileDecoder
}

// compile-time interface check
var _ OAuthProvider = (*OAuth2Provider)(nil)

// NewLINEProvider はLINEログインのプロバイダーを生成する。
// LINEはメールアドレスを返さないため、プロフィールのEmailは常に空になる。
func NewLINEProvider(cfg ProviderConfig, client *http.Client) *OAuth2Provider {
	return newOAuth2Provider(ProviderLINE, cfg, client,
		[]string{"profile", "openid"},
		defaultLINEAuthURL, defaultLINETokenURL, defaultLINEProfileURL,
		decodeLINEProfile,
	)
}

// NewGoogleProvider はGoogleログインのプロバイダーを生成する。
func NewGoogleProvider(cfg ProviderConfig, client *http.Client) *OAuth2Provider {
	return newOAuth2Provider(ProviderGoogle, cfg, client,
		[]string{"openid", "email", "profile"},
		defaultGoogleAuthURL, defaultGoogleTokenURL, defaultGoogleProfileURL,
		decodeGoogleProfile,
	)
}

func newOAuth2Provider(
	name string,
	cfg ProviderConfig,
	client *http.Client,
	scopes []string,
	authURL, tokenURL, profileURL string,
	decode profileDecoder,
) *OAuth2Provider {
	if cfg.AuthURL != "" {
		authURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		tokenURL = cfg.TokenURL
	}
	if cfg.ProfileURL != "" {
		profileURL = cfg.ProfileURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuth2Provider{
		name: name,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		profileURL: profileURL,
		client:     client,
		decode:     decode,
	}
}

// Name はプロバイダー名を返す。
func (p *OAuth2Provider) Name() string {
	return p.name
}

// LoginURL は認可エンドポイントのURLを生成する。
func (p *OAuth2Provider) LoginURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange は認可コードをアクセストークンに交換し、プロフィールを取得する。
// 取得したアクセストークンはプロフィール取得にのみ使い、保存しない。
func (p *OAuth2Provider) Exchange(ctx context.Context, code string) (*ExternalProfile, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange %s code: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.profileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}

	resp, err := p.config.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read profile response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("profile fetch failed with status %d", resp.StatusCode)
	}

	profile, err := p.decode(body)
	if err != nil {
		return nil, err
	}
	profile.Provider = p.name
	return profile, nil
}

// lineProfile はLINEのプロフィールAPIのレスポンス。
type lineProfile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PictureURL  string `json:"pictureUrl"`
}

func decodeLINEProfile(body []byte) (*ExternalProfile, error) {
	var p lineProfile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to parse line profile: %w", err)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("empty userId in line profile")
	}
	return &ExternalProfile{
		ProviderAccountID: p.UserID,
		DisplayName:       p.DisplayName,
		AvatarURL:         p.PictureURL,
	}, nil
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

func decodeGoogleProfile(body []byte) (*ExternalProfile, error) {
	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}
	profile := &ExternalProfile{
		ProviderAccountID: info.Sub,
		DisplayName:       info.Name,
		AvatarURL:         info.Picture,
	}
	// 未確認のメールアドレスで既存アカウントに紐付けない
	if info.EmailVerified {
		profile.Email = info.Email
	}
	return profile, nil
}
