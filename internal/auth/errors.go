package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials はメールアドレス未登録・パスワード未設定・不一致のいずれも表す。
	// アカウントの存在を推測されないよう、呼び出し元には原因を区別させない。
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidProfile は外部IdPのプロフィールにproviderまたはアカウントIDがないことを表す。
	ErrInvalidProfile = errors.New("external profile is missing provider account id")

	// ErrReconciliationConflict はアカウント作成時の一意制約競合を表す。
	// 照合処理の内部でリトライされ、呼び出し元には返らない。
	ErrReconciliationConflict = errors.New("reconciliation conflict")

	// ErrPersistenceUnavailable はストレージにアクセスできないことを表す。
	// 境界を越えて伝播する唯一のエラーで、HTTPでは500になる。
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrEmailTaken はパスワード登録時のメールアドレス重複を表す。
	ErrEmailTaken = errors.New("email already registered")

	// ErrUnauthenticated はセッショントークンが無効、期限切れ、またはリフレッシュに失敗したことを表す。
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnknownProvider は未設定の外部IdPが指定されたことを表す。
	ErrUnknownProvider = errors.New("unknown identity provider")
)

// ErrInvalidEmail はパスワード登録時のメールアドレス形式不正を表す。
var ErrInvalidEmail = errors.New("invalid email address")

// unavailable はストレージエラーをErrPersistenceUnavailableでラップする。
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistenceUnavailable, op, err)
}
