// Package auth はパスワード認証と外部IdP認証、アカウント照合、セッショントークンの発行を提供する。
//
// ログインは Authenticate → Reconcile → IssueOrRefreshToken → Project の順に処理される。
// 各段階は独立した型として実装し、Serviceが組み立てる。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tablegate/internal/metrics"
	"github.com/hitoshi/tablegate/internal/model"
	"github.com/hitoshi/tablegate/internal/repository"
	"github.com/hitoshi/tablegate/internal/security"
)

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Token     string
	Claims    *SessionClaims
	Session   Session
	User      *model.User
	IsNewUser bool
}

// Authenticated はセッショントークン検証の結果。
// Refreshedがtrueの場合、Tokenはクレームを更新した新しいトークン。
type Authenticated struct {
	Token     string
	Claims    *SessionClaims
	Refreshed bool
}

// Deps はServiceが利用する外部コンポーネント。
type Deps struct {
	Users     repository.UserRepository
	Accounts  repository.ExternalAccountRepository
	Providers []OAuthProvider
	Sanitizer security.ProfileSanitizerService
	URLs      URLValidator
	Metrics   metrics.MetricsCollector
}

// Service は認証処理の各段階を組み立てるオーケストレーター。
type Service struct {
	config      Config
	credentials *CredentialAuthenticator
	external    *ExternalProfileAuthenticator
	tokens      *TokenBuilder
	projector   SessionProjector
	redirects   RedirectResolver
	providers   map[string]OAuthProvider
	metrics     metrics.MetricsCollector
}

// NewService はServiceを生成する。設定値が不正な場合はエラーを返す。
func NewService(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Users == nil || deps.Accounts == nil {
		return nil, fmt.Errorf("auth service requires user and external account repositories")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewProfileSanitizer()
	}
	if deps.URLs == nil {
		deps.URLs = security.NewURLGuard()
	}

	providers := make(map[string]OAuthProvider, len(deps.Providers))
	for _, p := range deps.Providers {
		providers[p.Name()] = p
	}

	reconciler := NewAccountReconciler(deps.Users, deps.Accounts, cfg.PlaceholderDomain, deps.Metrics)

	return &Service{
		config:      cfg,
		credentials: NewCredentialAuthenticator(deps.Users, cfg.BcryptCost, cfg.PlaceholderDomain),
		external:    NewExternalProfileAuthenticator(reconciler, deps.Sanitizer, deps.URLs, cfg.PlaceholderDomain),
		tokens:      NewTokenBuilder(cfg, deps.Users, deps.Accounts, deps.Metrics),
		projector:   SessionProjector{PlaceholderDomain: cfg.PlaceholderDomain},
		redirects:   RedirectResolver{DefaultLandingPath: cfg.DefaultLandingPath},
		providers:   providers,
		metrics:     deps.Metrics,
	}, nil
}

// TokenTTL はセッショントークンの有効期間を返す。
func (s *Service) TokenTTL() time.Duration {
	return s.config.TokenTTL
}

// LoginWithPassword はメールアドレスとパスワードでログインする。
func (s *Service) LoginWithPassword(ctx context.Context, email, password string) (*LoginResult, error) {
	user, err := s.credentials.Authenticate(ctx, email, password)
	if err != nil {
		s.metrics.RecordLogin(string(AuthSourceCredential), loginResultLabel(err))
		return nil, err
	}

	result, err := s.issue(user, AuthSourceCredential, nil)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordLogin(string(AuthSourceCredential), "success")
	slog.Info("user logged in with password", slog.String("user_id", user.ID))
	return result, nil
}

// Register はパスワード認証のユーザーを作成し、そのままログインする。
func (s *Service) Register(ctx context.Context, email, password, name string) (*LoginResult, error) {
	user, err := s.credentials.Register(ctx, email, password, name)
	if err != nil {
		return nil, err
	}

	result, err := s.issue(user, AuthSourceCredential, nil)
	if err != nil {
		return nil, err
	}
	result.IsNewUser = true
	return result, nil
}

// LoginWithProfile は外部IdPのプロフィールでログインする。照合処理によりユーザーを作成・紐付けする。
func (s *Service) LoginWithProfile(ctx context.Context, profile ExternalProfile) (*LoginResult, error) {
	reconciled, err := s.external.Authenticate(ctx, profile)
	if err != nil {
		s.metrics.RecordLogin(string(AuthSourceExternal), loginResultLabel(err))
		return nil, err
	}

	result, err := s.issue(reconciled.User, AuthSourceExternal, &reconciled.Identity)
	if err != nil {
		return nil, err
	}
	result.IsNewUser = reconciled.Outcome == OutcomeCreated
	s.metrics.RecordLogin(string(AuthSourceExternal), "success")
	return result, nil
}

// HandleCallback は外部IdPのコールバックを処理する。
// 認可コードをプロフィールに交換してからLoginWithProfileと同じ処理を行う。
func (s *Service) HandleCallback(ctx context.Context, providerName, code string) (*LoginResult, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return nil, ErrUnknownProvider
	}
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is empty", ErrInvalidProfile)
	}

	profile, err := provider.Exchange(ctx, code)
	if err != nil {
		s.metrics.RecordLogin(string(AuthSourceExternal), "provider_error")
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	return s.LoginWithProfile(ctx, *profile)
}

// LoginURL は外部IdPの認可URLを返す。
func (s *Service) LoginURL(providerName, state string) (string, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return "", ErrUnknownProvider
	}
	return provider.LoginURL(state), nil
}

// Authenticate はセッショントークンを検証し、外部IdP由来であればクレームを再取得する。
// いずれかの段階で失敗した場合はErrUnauthenticatedを返す。
func (s *Service) Authenticate(ctx context.Context, token string) (*Authenticated, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}

	refreshedToken, refreshed, err := s.tokens.Refresh(ctx, claims)
	if err != nil {
		return nil, err
	}
	if refreshedToken == "" {
		return &Authenticated{Token: token, Claims: claims}, nil
	}
	return &Authenticated{Token: refreshedToken, Claims: refreshed, Refreshed: true}, nil
}

// Project はクレームをクライアント向けのセッションに変換する。
func (s *Service) Project(claims *SessionClaims) Session {
	return s.projector.Project(claims)
}

// ResolveRedirect はログイン後の遷移先を決定する。
func (s *Service) ResolveRedirect(requested string) string {
	return s.redirects.Resolve(requested, s.config.BaseURL)
}

// issue はトークンを発行し、クライアント向けのセッションを組み立てる。
func (s *Service) issue(user *model.User, source AuthSource, identity *ExternalIdentity) (*LoginResult, error) {
	token, claims, err := s.tokens.Issue(user, source, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}
	return &LoginResult{
		Token:   token,
		Claims:  claims,
		Session: s.projector.Project(claims),
		User:    user,
	}, nil
}

// loginResultLabel はログイン失敗のメトリクスラベルを返す。
func loginResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrPersistenceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidProfile):
		return "invalid_profile"
	default:
		return "invalid_credentials"
	}
}
