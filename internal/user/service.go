// Package user はユーザー管理のドメインロジックを提供する。
// ロールと店舗IDの付与、退会処理を扱う。認証そのものはauthパッケージが担う。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/tablegate/internal/model"
	"github.com/hitoshi/tablegate/internal/repository"
)

// Repository はユーザー管理に必要な永続化インターフェース。
type Repository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	UpdateRole(ctx context.Context, id string, role model.Role, restaurantID string) error
	DeleteByID(ctx context.Context, id string) error
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo Repository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo Repository) *Service {
	return &Service{userRepo: userRepo}
}

// AssignRole はユーザーのロールと店舗IDを更新する。
// restaurant_ownerには店舗IDが必須で、それ以外のロールでは店舗IDを外す。
// 外部IdP由来のセッションは次回リクエスト時に新しいロールが反映される。
func (s *Service) AssignRole(ctx context.Context, userID, role, restaurantID string) error {
	parsed, ok := model.ParseRole(strings.TrimSpace(role))
	if !ok {
		return model.NewInvalidRoleError(role)
	}

	restaurantID = strings.TrimSpace(restaurantID)
	if parsed == model.RoleRestaurantOwner {
		if restaurantID == "" {
			return model.NewInvalidRequestError("restaurant_ownerにはrestaurantIdが必要です")
		}
	} else {
		restaurantID = ""
	}

	if err := s.userRepo.UpdateRole(ctx, userID, parsed, restaurantID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ロールの更新に失敗しました: %w", err)
	}

	slog.Info("ユーザーのロールを更新しました",
		slog.String("user_id", userID),
		slog.String("role", string(parsed)),
		slog.String("restaurant_id", restaurantID),
	)
	return nil
}

// Withdraw はユーザーの退会処理を実行する。
// external_accountsはCASCADE削除される。発行済みのパスワードログインのトークンは
// 有効期限まで検証を通るが、外部IdP由来のトークンは次回のクレーム再取得で失効する。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
