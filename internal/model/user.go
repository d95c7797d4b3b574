// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの権限ロールを表す。
// 後続のすべてのルートはこの値のみで認可を判定する。
type Role string

const (
	// RoleUnspecified はロール未設定の初期状態。
	RoleUnspecified Role = "unspecified"
	// RoleCustomer は注文客。
	RoleCustomer Role = "customer"
	// RoleRestaurantOwner は店舗オーナー。restaurant_idと組で使われる。
	RoleRestaurantOwner Role = "restaurant_owner"
	// RoleAdmin はシステム管理者。
	RoleAdmin Role = "admin"
)

// ParseRole は文字列をRoleに変換する。未知の値の場合はfalseを返す。
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUnspecified, RoleCustomer, RoleRestaurantOwner, RoleAdmin:
		return Role(s), true
	default:
		return "", false
	}
}

// User はサービス利用ユーザーを表す。
// Emailは外部IdPがメールアドレスを返さない場合、決定的に合成されたプレースホルダーになる。
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	PasswordHash  string // 空の場合はパスワードログイン不可
	Name          string
	AvatarURL     string
	Role          Role
	RestaurantID  string // 空の場合は未紐付け
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasPassword はパスワードログインが可能かどうかを返す。
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// ExternalAccount は外部IdPとの紐付け情報を表す。
// (provider, provider_account_id) ごとに1件だけ作成され、以後更新されない。
type ExternalAccount struct {
	ID                string
	UserID            string
	Provider          string
	ProviderAccountID string
	CreatedAt         time.Time
}
