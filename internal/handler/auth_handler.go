package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/hitoshi/tablegate/internal/auth"
	"github.com/hitoshi/tablegate/internal/middleware"
	"github.com/hitoshi/tablegate/internal/model"
)

const (
	oauthStateCookie    = "oauth_state"
	authCallbackCookie  = "auth_callback"
	oauthFlowCookieLife = 600 // 10分
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	LoginWithPassword(ctx context.Context, email, password string) (*auth.LoginResult, error)
	Register(ctx context.Context, email, password, name string) (*auth.LoginResult, error)
	HandleCallback(ctx context.Context, provider, code string) (*auth.LoginResult, error)
	LoginURL(provider, state string) (string, error)
	Project(claims *auth.SessionClaims) auth.Session
	ResolveRedirect(requested string) string
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie middleware.CookieConfig
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// loginRequest はパスワードログインのリクエストボディ。
type loginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CallbackURL string `json:"callbackUrl"`
}

// Validate は入力の必須チェックを行う。
// 形式不正のメールアドレスは未登録と同じ認証失敗として扱うため、ここでは検証しない。
func (r loginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

// registerRequest はパスワード登録のリクエストボディ。
type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Name        string `json:"name"`
	CallbackURL string `json:"callbackUrl"`
}

// Validate は登録内容を検証する。
func (r registerRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 0), validation.By(withinBcryptLimit)),
		validation.Field(&r.Name, validation.Length(0, 100)),
	)
}

// withinBcryptLimit はパスワードのバイト長を検証する。Lengthは文字数で数えるため別に検査する。
func withinBcryptLimit(value interface{}) error {
	if s, _ := value.(string); len(s) > auth.MaxPasswordBytes {
		return fmt.Errorf("must be at most %d bytes", auth.MaxPasswordBytes)
	}
	return nil
}

// loginResponse はログイン成功時のレスポンスボディ。
// tokenはAuthorizationヘッダーで認証するクライアント向け。
type loginResponse struct {
	Session     auth.Session `json:"session"`
	RedirectURL string       `json:"redirectUrl"`
	Token       string       `json:"token"`
}

// Login はメールアドレスとパスワードで認証する。
// POST /auth/credentials/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}

	result, err := h.service.LoginWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(w, r, err, "")
		return
	}

	h.writeLoginResponse(w, http.StatusOK, result, req.CallbackURL)
}

// Register はパスワード認証のアカウントを作成し、そのままログインさせる。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(err.Error()))
		return
	}

	result, err := h.service.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.writeAuthError(w, r, err, "")
		return
	}

	h.writeLoginResponse(w, http.StatusCreated, result, req.CallbackURL)
}

// ProviderLogin は外部IdPの認可フローを開始する。
// GET /auth/{provider}/login?callbackUrl=...
func (h *AuthHandler) ProviderLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.service.LoginURL(provider, state)
	if err != nil {
		h.writeAuthError(w, r, err, provider)
		return
	}

	// stateをCookieに保存（CSRF対策）
	h.setFlowCookie(w, oauthStateCookie, state)
	// Cookie値に使えない文字が落とされないようエスケープして保存する
	if callback := r.URL.Query().Get("callbackUrl"); callback != "" {
		h.setFlowCookie(w, authCallbackCookie, url.QueryEscape(callback))
	}

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// ProviderCallback は外部IdPからのコールバックを処理する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()

	// 1. stateの検証（CSRF対策）
	state := query.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	h.clearFlowCookie(w, oauthStateCookie)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch",
			slog.String("provider", provider),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("stateが一致しません"))
		return
	}

	var callback string
	if c, err := r.Cookie(authCallbackCookie); err == nil {
		if decoded, err := url.QueryUnescape(c.Value); err == nil {
			callback = decoded
		}
	}
	h.clearFlowCookie(w, authCallbackCookie)

	// 2. IdP側でのキャンセルやエラー
	if idpErr := query.Get("error"); idpErr != "" {
		slog.Info("provider returned error",
			slog.String("provider", provider),
			slog.String("error", idpErr),
		)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewLoginFailedError())
		return
	}

	// 3. 認可コードの交換とアカウント照合
	result, err := h.service.HandleCallback(r.Context(), provider, query.Get("code"))
	if err != nil {
		h.writeAuthError(w, r, err, provider)
		return
	}

	if result.IsNewUser {
		slog.Info("user created via external provider",
			slog.String("user_id", result.User.ID),
			slog.String("provider", provider),
		)
	}

	// 4. セッションCookieを設定してリダイレクト
	middleware.SetSessionCookie(w, h.config.Cookie, result.Token, result.Claims.ExpiresAt.Time)
	http.Redirect(w, r, h.redirectTarget(callback), http.StatusTemporaryRedirect)
}

// Logout はセッションCookieを削除する。
// トークンはサーバー側に保持しないため、Cookieの削除のみ行う。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	middleware.ClearSessionCookie(w, h.config.Cookie)
	w.WriteHeader(http.StatusNoContent)
}

// Session は現在のセッションをクライアント向けに返す。
// セッションミドルウェアの後に配置する。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, h.service.Project(claims))
}

func (h *AuthHandler) writeLoginResponse(w http.ResponseWriter, status int, result *auth.LoginResult, callback string) {
	middleware.SetSessionCookie(w, h.config.Cookie, result.Token, result.Claims.ExpiresAt.Time)
	writeJSON(w, status, loginResponse{
		Session:     result.Session,
		RedirectURL: h.redirectTarget(callback),
		Token:       result.Token,
	})
}

// redirectTarget はログイン後の遷移先を返す。指定がなければデフォルトの遷移先になる。
func (h *AuthHandler) redirectTarget(callback string) string {
	if callback == "" {
		callback = "/"
	}
	return h.service.ResolveRedirect(callback)
}

// writeAuthError は認証パイプラインのエラーをHTTPレスポンスに変換する。
// 永続化層の障害は認証失敗と区別して500を返す。
func (h *AuthHandler) writeAuthError(w http.ResponseWriter, r *http.Request, err error, provider string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
	case errors.Is(err, auth.ErrEmailTaken):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewEmailTakenError())
	case errors.Is(err, auth.ErrInvalidEmail):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("メールアドレスの形式が正しくありません"))
	case errors.Is(err, auth.ErrUnknownProvider):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError(provider))
	case errors.Is(err, auth.ErrPersistenceUnavailable):
		slog.Error("authentication storage unavailable",
			slog.String("error", err.Error()),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
		)
		middleware.WriteInternalServerError(w)
	default:
		slog.Warn("external login failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewLoginFailedError())
	}
}

func (h *AuthHandler) setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.Cookie.Domain,
		MaxAge:   oauthFlowCookieLife,
		Expires:  time.Now().Add(oauthFlowCookieLife * time.Second),
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearFlowCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   h.config.Cookie.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
