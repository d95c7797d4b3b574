package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/tablegate/internal/security"
)

// ExternalProfile は外部IdPから受け取ったプロフィールを表す。
// Emailは空の場合がある（LINEはメールアドレスを返さない）。
type ExternalProfile struct {
	Provider          string
	ProviderAccountID string
	Email             string
	DisplayName       string
	AvatarURL         string
}

// ReconciliationRequest は正規化済みのプロフィールで、AccountReconcilerへの入力になる。
// Emailは正規化済みか空文字列のどちらか。
type ReconciliationRequest struct {
	Provider          string
	ProviderAccountID string
	Email             string
	DisplayName       string
	AvatarURL         string
}

// Reconciler は照合処理のインターフェース。
type Reconciler interface {
	Reconcile(ctx context.Context, req ReconciliationRequest) (*ReconcileResult, error)
}

// URLValidator は外部URLの静的検証を行うインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ExternalProfileAuthenticator は外部IdPのプロフィールを検証・正規化し、照合処理に渡す。
// 自身では永続化を行わない。
type ExternalProfileAuthenticator struct {
	reconciler        Reconciler
	sanitizer         security.ProfileSanitizerService
	urls              URLValidator
	placeholderDomain string
}

// NewExternalProfileAuthenticator はExternalProfileAuthenticatorを生成する。
func NewExternalProfileAuthenticator(
	reconciler Reconciler,
	sanitizer security.ProfileSanitizerService,
	urls URLValidator,
	placeholderDomain string,
) *ExternalProfileAuthenticator {
	return &ExternalProfileAuthenticator{
		reconciler:        reconciler,
		sanitizer:         sanitizer,
		urls:              urls,
		placeholderDomain: placeholderDomain,
	}
}

// Authenticate はプロフィールを照合し、対応するユーザーを返す。
func (a *ExternalProfileAuthenticator) Authenticate(ctx context.Context, profile ExternalProfile) (*ReconcileResult, error) {
	req, err := a.normalize(profile)
	if err != nil {
		return nil, err
	}
	return a.reconciler.Reconcile(ctx, req)
}

// normalize はプロフィールをReconciliationRequestに変換する。
// 不正なメールアドレスとアバターURLは欠落扱いにする。
// プレースホルダー用ドメインのメールアドレスもIdPが返したものは信用しない。
func (a *ExternalProfileAuthenticator) normalize(profile ExternalProfile) (ReconciliationRequest, error) {
	provider := strings.ToLower(strings.TrimSpace(profile.Provider))
	accountID := strings.TrimSpace(profile.ProviderAccountID)
	if provider == "" || accountID == "" {
		return ReconciliationRequest{}, ErrInvalidProfile
	}

	req := ReconciliationRequest{
		Provider:          provider,
		ProviderAccountID: accountID,
		DisplayName:       a.sanitizer.SanitizeDisplayName(profile.DisplayName),
	}

	if profile.Email != "" {
		email, err := NormalizeEmail(profile.Email)
		if err != nil {
			slog.Warn("ignoring malformed email from identity provider",
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
		} else if IsPlaceholderEmail(email, a.placeholderDomain) {
			slog.Warn("ignoring reserved placeholder email from identity provider",
				slog.String("provider", provider),
			)
		} else {
			req.Email = email
		}
	}

	if profile.AvatarURL != "" {
		if err := a.urls.ValidateURL(profile.AvatarURL); err != nil {
			slog.Warn("ignoring avatar url from identity provider",
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)
		} else {
			req.AvatarURL = profile.AvatarURL
		}
	}

	return req, nil
}
