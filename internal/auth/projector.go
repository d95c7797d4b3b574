package auth

import (
	"time"

	"github.com/hitoshi/tablegate/internal/model"
)

// SessionUser はクライアントに返すユーザー情報。
// パスワードハッシュ、外部IdPの識別子、認証元は含めない。
type SessionUser struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Email        string     `json:"email,omitempty"`
	Image        string     `json:"image,omitempty"`
	Role         model.Role `json:"role"`
	RestaurantID string     `json:"restaurantId,omitempty"`
}

// Session はクライアントに返すセッション情報。
type Session struct {
	User    SessionUser `json:"user"`
	Expires time.Time   `json:"expires"`
}

// SessionProjector はクレームをクライアント向けのセッションに変換する。
type SessionProjector struct {
	PlaceholderDomain string
}

// Project はクレームからSessionを組み立てる。プレースホルダーのメールアドレスは返さない。
func (p SessionProjector) Project(claims *SessionClaims) Session {
	session := Session{
		User: SessionUser{
			ID:           claims.Subject,
			Name:         claims.Name,
			Image:        claims.Picture,
			Role:         claims.Role,
			RestaurantID: claims.RestaurantID,
		},
	}
	if !IsPlaceholderEmail(claims.Email, p.PlaceholderDomain) {
		session.User.Email = claims.Email
	}
	if claims.ExpiresAt != nil {
		session.Expires = claims.ExpiresAt.UTC()
	}
	return session
}
