package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/tablegate/internal/model"
	"github.com/hitoshi/tablegate/internal/repository"
)

// CredentialAuthenticator はメールアドレスとパスワードによる認証を行う。
type CredentialAuthenticator struct {
	users      repository.UserRepository
	bcryptCost int
	// placeholderDomain は外部IdP用に予約されたドメインで、登録には使えない。
	placeholderDomain string
	now               func() time.Time

	// dummyHash は存在しないユーザーに対しても比較処理を行うためのハッシュ。
	// 応答時間からアカウントの存在を推測されないようにする。
	dummyOnce sync.Once
	dummyHash string
}

// NewCredentialAuthenticator はCredentialAuthenticatorを生成する。
func NewCredentialAuthenticator(users repository.UserRepository, bcryptCost int, placeholderDomain string) *CredentialAuthenticator {
	return &CredentialAuthenticator{
		users:             users,
		bcryptCost:        bcryptCost,
		placeholderDomain: placeholderDomain,
		now:               time.Now,
	}
}

// Authenticate はメールアドレスとパスワードを検証し、一致したユーザーを返す。
// 未登録、パスワード未設定、不一致はいずれもErrInvalidCredentialsになる。
// ストレージエラーのみErrPersistenceUnavailableとして返す。
func (a *CredentialAuthenticator) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		a.burnPasswordCompare(password)
		return nil, ErrInvalidCredentials
	}

	user, err := a.users.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, unavailable("find user by email", err)
	}
	if user == nil || !user.HasPassword() {
		a.burnPasswordCompare(password)
		return nil, ErrInvalidCredentials
	}

	if err := ComparePassword(user.PasswordHash, password); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			// ハッシュ自体が壊れている。ハッシュ値はログに出さない。
			slog.Error("stored password hash is unusable",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// Register はパスワード認証のユーザーを新規作成する。
// メールアドレスが既に使われている場合はErrEmailTakenを返す。
// プレースホルダー用ドメインのメールアドレスはErrInvalidEmailになる。
func (a *CredentialAuthenticator) Register(ctx context.Context, email, password, name string) (*model.User, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEmail, err)
	}
	if IsPlaceholderEmail(normalized, a.placeholderDomain) {
		return nil, fmt.Errorf("%w: domain is reserved", ErrInvalidEmail)
	}

	hash, err := HashPassword(password, a.bcryptCost)
	if err != nil {
		return nil, err
	}

	now := a.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        normalized,
		PasswordHash: hash,
		Name:         name,
		Role:         model.RoleUnspecified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, unavailable("create user", err)
	}

	slog.Info("user registered with password", slog.String("user_id", user.ID))
	return user, nil
}

// burnPasswordCompare はダミーハッシュと比較して、成功時と同程度の時間を消費する。
func (a *CredentialAuthenticator) burnPasswordCompare(password string) {
	a.dummyOnce.Do(func() {
		h, err := HashPassword(uuid.New().String(), a.bcryptCost)
		if err != nil {
			slog.Error("failed to prepare dummy password hash", slog.String("error", err.Error()))
			return
		}
		a.dummyHash = h
	})
	if a.dummyHash == "" {
		return
	}
	_ = ComparePassword(a.dummyHash, password)
}
