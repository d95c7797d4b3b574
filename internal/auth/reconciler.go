package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/tablegate/internal/metrics"
	"github.com/hitoshi/tablegate/internal/model"
	"github.com/hitoshi/tablegate/internal/repository"
)

// maxReconcileAttempts は一意制約競合時に照合をやり直す上限回数。
const maxReconcileAttempts = 3

// Outcome は照合処理の結果種別。
type Outcome string

const (
	// OutcomeFound は既存ユーザーと既存の紐付けが見つかったことを表す。
	OutcomeFound Outcome = "found"
	// OutcomeCreated はユーザーと紐付けを新規作成したことを表す。
	OutcomeCreated Outcome = "created"
	// OutcomeLinked は既存ユーザーに紐付けを追加したことを表す。
	OutcomeLinked Outcome = "linked"
)

// ReconcileResult は照合処理の結果。
type ReconcileResult struct {
	User    *model.User
	Outcome Outcome
	// Identity は照合に使った外部アカウント識別子（正規化済み）。
	Identity ExternalIdentity
}

// LookupStrategy は既存ユーザーの検索方法。
// プロフィールの形から一意に決まる: ByEmail または ByExternalAccount。
type LookupStrategy interface {
	lookupStrategy()
}

// ByEmail はメールアドレスでユーザーを検索する。
type ByEmail struct {
	Email string
}

// ByExternalAccount は外部アカウントの紐付けからユーザーを検索する。
type ByExternalAccount struct {
	Provider          string
	ProviderAccountID string
}

func (ByEmail) lookupStrategy()           {}
func (ByExternalAccount) lookupStrategy() {}

// SelectLookupStrategy はメールアドレスがあればByEmail、なければByExternalAccountを返す。
func SelectLookupStrategy(req ReconciliationRequest) LookupStrategy {
	if req.Email != "" {
		return ByEmail{Email: req.Email}
	}
	return ByExternalAccount{Provider: req.Provider, ProviderAccountID: req.ProviderAccountID}
}

// AccountReconciler は外部IDを1件のユーザーレコードに対応付ける。
// 同時実行時の重複作成はDBの一意制約で防ぎ、競合した場合は検索からやり直す。
type AccountReconciler struct {
	users             repository.UserRepository
	accounts          repository.ExternalAccountRepository
	placeholderDomain string
	metrics           metrics.MetricsCollector
	now               func() time.Time
}

// compile-time interface check
var _ Reconciler = (*AccountReconciler)(nil)

// NewAccountReconciler はAccountReconcilerを生成する。
func NewAccountReconciler(
	users repository.UserRepository,
	accounts repository.ExternalAccountRepository,
	placeholderDomain string,
	collector metrics.MetricsCollector,
) *AccountReconciler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &AccountReconciler{
		users:             users,
		accounts:          accounts,
		placeholderDomain: placeholderDomain,
		metrics:           collector,
		now:               time.Now,
	}
}

// Reconcile はリクエストに対応するユーザーを返す。存在しなければ作成する。
// 一意制約競合は内部でリトライし、呼び出し元に返すのはErrPersistenceUnavailableのみ。
func (r *AccountReconciler) Reconcile(ctx context.Context, req ReconciliationRequest) (*ReconcileResult, error) {
	if req.Provider == "" || req.ProviderAccountID == "" {
		return nil, ErrInvalidProfile
	}

	for attempt := 1; attempt <= maxReconcileAttempts; attempt++ {
		result, err := r.reconcileOnce(ctx, req)
		if err == nil {
			result.Identity = ExternalIdentity{Provider: req.Provider, ProviderAccountID: req.ProviderAccountID}
			r.metrics.RecordReconciliation(string(result.Outcome))
			slog.Info("external account reconciled",
				slog.String("user_id", result.User.ID),
				slog.String("provider", req.Provider),
				slog.String("outcome", string(result.Outcome)),
			)
			return result, nil
		}
		if !errors.Is(err, ErrReconciliationConflict) {
			r.metrics.RecordReconciliation("error")
			return nil, err
		}

		r.metrics.RecordReconciliation("conflict_retry")
		slog.Warn("reconciliation conflict, retrying as lookup",
			slog.String("provider", req.Provider),
			slog.Int("attempt", attempt),
		)
	}

	r.metrics.RecordReconciliation("error")
	return nil, fmt.Errorf("%w: reconciliation did not settle after %d attempts",
		ErrPersistenceUnavailable, maxReconcileAttempts)
}

// lookupResult は検索結果。linkCheckedがtrueの場合、linkは紐付けの検索結果そのもの。
type lookupResult struct {
	user        *model.User
	link        *model.ExternalAccount
	linkChecked bool
}

// reconcileOnce は照合処理を1回実行する。
func (r *AccountReconciler) reconcileOnce(ctx context.Context, req ReconciliationRequest) (*ReconcileResult, error) {
	// 1. 自然キーで検索
	found, err := r.lookup(ctx, SelectLookupStrategy(req))
	if err != nil {
		return nil, err
	}

	// 2. フォールバック検索
	if found.user == nil {
		if req.Email == "" {
			found, err = r.lookup(ctx, ByEmail{Email: r.placeholderEmail(req)})
		} else {
			// メールアドレスの一致するユーザーがいなくても、既存の紐付けがあればそちらを優先する
			found, err = r.lookup(ctx, ByExternalAccount{Provider: req.Provider, ProviderAccountID: req.ProviderAccountID})
		}
		if err != nil {
			return nil, err
		}
	}

	// 3. 未登録なら作成
	if found.user == nil {
		return r.create(ctx, req)
	}

	// 4. 紐付けがなければ追加
	return r.linkIfMissing(ctx, req, found)
}

// lookup は検索方法に従ってユーザーを検索する。見つからない場合はuserがnil。
func (r *AccountReconciler) lookup(ctx context.Context, strategy LookupStrategy) (lookupResult, error) {
	switch s := strategy.(type) {
	case ByEmail:
		user, err := r.users.FindByEmail(ctx, s.Email)
		if err != nil {
			return lookupResult{}, unavailable("find user by email", err)
		}
		return lookupResult{user: user}, nil

	case ByExternalAccount:
		link, err := r.accounts.FindByProviderAccount(ctx, s.Provider, s.ProviderAccountID)
		if err != nil {
			return lookupResult{}, unavailable("find external account", err)
		}
		if link == nil {
			return lookupResult{linkChecked: true}, nil
		}
		user, err := r.users.FindByID(ctx, link.UserID)
		if err != nil {
			return lookupResult{}, unavailable("find user by id", err)
		}
		return lookupResult{user: user, link: link, linkChecked: true}, nil

	default:
		return lookupResult{}, fmt.Errorf("unsupported lookup strategy %T", strategy)
	}
}

// create はユーザーと紐付けを同一トランザクションで作成する。
func (r *AccountReconciler) create(ctx context.Context, req ReconciliationRequest) (*ReconcileResult, error) {
	email := req.Email
	if email == "" {
		email = r.placeholderEmail(req)
	}

	now := r.now()
	user := &model.User{
		ID:            uuid.New().String(),
		Email:         email,
		EmailVerified: true,
		Name:          req.DisplayName,
		AvatarURL:     req.AvatarURL,
		Role:          model.RoleUnspecified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	account := &model.ExternalAccount{
		ID:                uuid.New().String(),
		UserID:            user.ID,
		Provider:          req.Provider,
		ProviderAccountID: req.ProviderAccountID,
		CreatedAt:         now,
	}

	if err := r.users.CreateWithExternalAccount(ctx, user, account); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: create user: %w", ErrReconciliationConflict, err)
		}
		return nil, unavailable("create user with external account", err)
	}

	return &ReconcileResult{User: user, Outcome: OutcomeCreated}, nil
}

// linkIfMissing は既存ユーザーに紐付けがなければ作成する。
// 紐付けが別のユーザーを指している場合は変更せず、そのまま見つかったユーザーを返す。
func (r *AccountReconciler) linkIfMissing(ctx context.Context, req ReconciliationRequest, found lookupResult) (*ReconcileResult, error) {
	link := found.link
	if !found.linkChecked {
		var err error
		link, err = r.accounts.FindByProviderAccount(ctx, req.Provider, req.ProviderAccountID)
		if err != nil {
			return nil, unavailable("find external account", err)
		}
	}

	if link != nil {
		if link.UserID != found.user.ID {
			slog.Warn("external account is linked to a different user",
				slog.String("user_id", found.user.ID),
				slog.String("linked_user_id", link.UserID),
				slog.String("provider", req.Provider),
			)
		}
		return &ReconcileResult{User: found.user, Outcome: OutcomeFound}, nil
	}

	account := &model.ExternalAccount{
		ID:                uuid.New().String(),
		UserID:            found.user.ID,
		Provider:          req.Provider,
		ProviderAccountID: req.ProviderAccountID,
		CreatedAt:         r.now(),
	}
	if err := r.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: create link: %w", ErrReconciliationConflict, err)
		}
		return nil, unavailable("create external account", err)
	}

	return &ReconcileResult{User: found.user, Outcome: OutcomeLinked}, nil
}

func (r *AccountReconciler) placeholderEmail(req ReconciliationRequest) string {
	return PlaceholderEmail(req.Provider, req.ProviderAccountID, r.placeholderDomain)
}
