package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/tablegate/internal/metrics"
	"github.com/hitoshi/tablegate/internal/model"
	"github.com/hitoshi/tablegate/internal/repository"
)

// AuthSource はセッションの発行元。
type AuthSource string

const (
	// AuthSourceCredential はパスワード認証で発行されたセッション。
	AuthSourceCredential AuthSource = "credential"
	// AuthSourceExternal は外部IdP認証で発行されたセッション。
	AuthSourceExternal AuthSource = "external"
)

// Valid は既知の発行元かどうかを返す。
func (s AuthSource) Valid() bool {
	return s == AuthSourceCredential || s == AuthSourceExternal
}

// ExternalIdentity は外部IdP上のアカウント識別子。
type ExternalIdentity struct {
	Provider          string
	ProviderAccountID string
}

// SessionClaims はセッショントークンに含めるクレーム。
// 他のルートはRoleとRestaurantIDだけを認可の根拠にする。
type SessionClaims struct {
	Role              model.Role `json:"role"`
	RestaurantID      string     `json:"restaurant_id,omitempty"`
	AuthSource        AuthSource `json:"auth_source"`
	Email             string     `json:"email,omitempty"`
	Name              string     `json:"name,omitempty"`
	Picture           string     `json:"picture,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	ProviderAccountID string     `json:"provider_account_id,omitempty"`
	jwt.RegisteredClaims
}

// UserID はトークンの主体となるユーザーIDを返す。
func (c *SessionClaims) UserID() string {
	return c.Subject
}

// TokenBuilder はセッショントークンの発行、検証、リフレッシュを行う。
//
// 外部IdP由来のセッションはリクエストごとにストレージからロールを再取得する。
// パスワード認証のセッションは発行時のクレームを有効期限まで使い続ける。
// 外部IdPのログインはアプリを開くたびにこの経路を通るが、パスワード認証は通らないため、
// 扱いを分けている。
type TokenBuilder struct {
	issuer   string
	key      []byte
	ttl      time.Duration
	users    repository.UserRepository
	accounts repository.ExternalAccountRepository
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewTokenBuilder はTokenBuilderを生成する。
func NewTokenBuilder(
	cfg Config,
	users repository.UserRepository,
	accounts repository.ExternalAccountRepository,
	collector metrics.MetricsCollector,
) *TokenBuilder {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &TokenBuilder{
		issuer:   cfg.Issuer,
		key:      cfg.SigningKey,
		ttl:      cfg.TokenTTL,
		users:    users,
		accounts: accounts,
		metrics:  collector,
		now:      time.Now,
	}
}

// Issue はユーザーのセッショントークンを発行する。
// external が nil でない場合、外部アカウントの識別子をクレームに含める。
func (b *TokenBuilder) Issue(user *model.User, source AuthSource, external *ExternalIdentity) (string, *SessionClaims, error) {
	if user == nil || user.ID == "" {
		return "", nil, fmt.Errorf("cannot issue token without user")
	}
	if !source.Valid() {
		return "", nil, fmt.Errorf("unknown auth source %q", source)
	}

	now := b.now()
	claims := &SessionClaims{
		AuthSource: source,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    b.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.ttl)),
		},
	}
	applyUser(claims, user)
	if external != nil {
		claims.Provider = external.Provider
		claims.ProviderAccountID = external.ProviderAccountID
	}

	token, err := b.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return token, claims, nil
}

// Parse はトークンの署名、発行者、有効期限を検証してクレームを返す。
// 検証に失敗した場合はErrUnauthenticatedを返す。
func (b *TokenBuilder) Parse(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(_ *jwt.Token) (any, error) { return b.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(b.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(b.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" || !claims.AuthSource.Valid() {
		return nil, fmt.Errorf("%w: malformed claims", ErrUnauthenticated)
	}
	if _, ok := model.ParseRole(string(claims.Role)); !ok {
		return nil, fmt.Errorf("%w: unknown role", ErrUnauthenticated)
	}
	return claims, nil
}

// Refresh は外部IdP由来のセッションのクレームをストレージから再取得し、署名し直したトークンを返す。
// 有効期限は延長しない。パスワード認証のセッションは変更せず、空のトークン文字列と元のクレームを返す。
//
// ユーザーの再取得に失敗した場合、ユーザーが存在しない場合、IDが一致しない場合は
// 古いクレームを使わずErrUnauthenticatedを返す。
func (b *TokenBuilder) Refresh(ctx context.Context, claims *SessionClaims) (string, *SessionClaims, error) {
	if claims.AuthSource != AuthSourceExternal {
		return "", claims, nil
	}

	user, err := b.refetchUser(ctx, claims)
	if err != nil {
		b.metrics.RecordTokenRefresh("error")
		slog.Error("failed to refetch user for session refresh",
			slog.String("user_id", claims.Subject),
			slog.String("error", err.Error()),
		)
		return "", nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if user == nil || user.ID != claims.Subject {
		b.metrics.RecordTokenRefresh("user_missing")
		slog.Warn("session user no longer resolvable", slog.String("user_id", claims.Subject))
		return "", nil, fmt.Errorf("%w: session user not found", ErrUnauthenticated)
	}

	refreshed := *claims
	applyUser(&refreshed, user)
	refreshed.IssuedAt = jwt.NewNumericDate(b.now())

	token, err := b.sign(&refreshed)
	if err != nil {
		b.metrics.RecordTokenRefresh("error")
		return "", nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	b.metrics.RecordTokenRefresh("refreshed")
	return token, &refreshed, nil
}

// refetchUser はメールアドレス、次に外部アカウントの紐付けの順でユーザーを検索する。
func (b *TokenBuilder) refetchUser(ctx context.Context, claims *SessionClaims) (*model.User, error) {
	if claims.Email != "" {
		user, err := b.users.FindByEmail(ctx, claims.Email)
		if err != nil {
			return nil, fmt.Errorf("find user by email: %w", err)
		}
		if user != nil {
			return user, nil
		}
	}

	if claims.Provider == "" || claims.ProviderAccountID == "" {
		return nil, nil
	}
	link, err := b.accounts.FindByProviderAccount(ctx, claims.Provider, claims.ProviderAccountID)
	if err != nil {
		return nil, fmt.Errorf("find external account: %w", err)
	}
	if link == nil {
		return nil, nil
	}
	user, err := b.users.FindByID(ctx, link.UserID)
	if err != nil {
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return user, nil
}

func (b *TokenBuilder) sign(claims *SessionClaims) (string, error) {
	if len(b.key) == 0 {
		return "", errors.New("signing key is not configured")
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, nil
}

// applyUser はユーザーレコード由来のクレームを上書きする。
func applyUser(claims *SessionClaims, user *model.User) {
	claims.Role = user.Role
	if claims.Role == "" {
		claims.Role = model.RoleUnspecified
	}
	claims.RestaurantID = user.RestaurantID
	claims.Email = user.Email
	claims.Name = user.Name
	claims.Picture = user.AvatarURL
}
