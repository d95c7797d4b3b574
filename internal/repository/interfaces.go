// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/tablegate/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// 一意制約（email）違反はErrConflictでラップして返す。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はパスワード登録によるユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// CreateWithExternalAccount はユーザーと外部アカウント紐付けを同一トランザクションで作成する。
	CreateWithExternalAccount(ctx context.Context, user *model.User, account *model.ExternalAccount) error

	// UpdateRole はユーザーのロールと店舗IDを更新する。
	// 対象ユーザーが存在しない場合はErrNotFoundを返す。
	UpdateRole(ctx context.Context, id string, role model.Role, restaurantID string) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するexternal_accountsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// ExternalAccountRepository は外部IdP紐付け情報の永続化インターフェース。
type ExternalAccountRepository interface {
	// FindByProviderAccount はproviderとprovider_account_idで紐付けを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAccount(ctx context.Context, provider, providerAccountID string) (*model.ExternalAccount, error)

	// Create は紐付けを作成する。
	// (provider, provider_account_id) が既に存在する場合はErrConflictを返す。
	Create(ctx context.Context, account *model.ExternalAccount) error
}
