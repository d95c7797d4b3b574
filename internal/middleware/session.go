// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/hitoshi/tablegate/internal/auth"
	"github.com/hitoshi/tablegate/internal/model"
)

const (
	// SessionCookieName はセッショントークンを保持するCookieの名前。
	SessionCookieName = "session_token"

	// RefreshedTokenHeader はクレームを更新したトークンを返すレスポンスヘッダー。
	// Authorizationヘッダーでトークンを送るクライアント（LIFF等）が差し替えに使う。
	RefreshedTokenHeader = "X-Session-Token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// claimsContextKey はリクエストコンテキストにセッションクレームを格納するためのキー。
var claimsContextKey = contextKey("session_claims")

// SessionAuthenticator はセッショントークンの検証に必要なインターフェース。
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Authenticated, error)
}

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Secure bool
	Domain string
}

// NewSessionMiddleware はCookieまたはAuthorizationヘッダーからセッショントークンを読み取り、
// 検証するミドルウェアを返す。
// 外部IdP由来のセッションはクレームが再取得され、新しいトークンがCookieとヘッダーで返される。
// 検証またはクレーム再取得に失敗した場合は401 Unauthorizedを返す。
func NewSessionMiddleware(authenticator SessionAuthenticator, cookie CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, fromCookie := SessionTokenFromRequest(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			result, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				if fromCookie {
					ClearSessionCookie(w, cookie)
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if result.Refreshed {
				SetSessionCookie(w, cookie, result.Token, result.Claims.ExpiresAt.Time)
				w.Header().Set(RefreshedTokenHeader, result.Token)
			}

			recordUserID(r.Context(), result.Claims.Subject)
			ctx := ContextWithClaims(r.Context(), result.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole は指定ロールのいずれかを持つセッションのみ通すミドルウェアを返す。
// セッションがなければ401、ロールが一致しなければ403を返す。
func RequireRole(roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !slices.Contains(roles, claims.Role) {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionTokenFromRequest はCookie、次にAuthorization: Bearerの順でトークンを取得する。
// 2番目の戻り値はCookieから取得した場合にtrue。
func SessionTokenFromRequest(r *http.Request) (string, bool) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token), false
	}
	return "", false
}

// SetSessionCookie はセッショントークンをHttpOnly Cookieに設定する。
func SetSessionCookie(w http.ResponseWriter, cfg CookieConfig, token string, expires time.Time) {
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClaimsFromContext はリクエストコンテキストからセッションクレームを取得する。
func ClaimsFromContext(ctx context.Context) (*auth.SessionClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*auth.SessionClaims)
	return claims, ok && claims != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return claims.Subject, nil
}

// ContextWithClaims はコンテキストにセッションクレームを注入する。
func ContextWithClaims(ctx context.Context, claims *auth.SessionClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
