package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/tablegate/internal/model"
)

const insertExternalAccountSQL = `INSERT INTO external_accounts
	(id, user_id, provider, provider_account_id, created_at)
	VALUES ($1, $2, $3, $4, $5)`

// PostgresExternalAccountRepo はPostgreSQLを使用した外部アカウント紐付けリポジトリ。
type PostgresExternalAccountRepo struct {
	db *sql.DB
}

// NewPostgresExternalAccountRepo はPostgresExternalAccountRepoを生成する。
func NewPostgresExternalAccountRepo(db *sql.DB) *PostgresExternalAccountRepo {
	return &PostgresExternalAccountRepo{db: db}
}

// FindByProviderAccount はproviderとprovider_account_idで紐付けを検索する。
// UNIQUE(provider, provider_account_id) のインデックスで1回のルックアップになる。
// 見つからない場合はnilを返す。
func (r *PostgresExternalAccountRepo) FindByProviderAccount(ctx context.Context, provider, providerAccountID string) (*model.ExternalAccount, error) {
	account := &model.ExternalAccount{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_account_id, created_at
		 FROM external_accounts
		 WHERE provider = $1 AND provider_account_id = $2`,
		provider, providerAccountID,
	).Scan(&account.ID, &account.UserID, &account.Provider, &account.ProviderAccountID, &account.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find external account: %w", err)
	}

	return account, nil
}

// Create は紐付けを作成する。
func (r *PostgresExternalAccountRepo) Create(ctx context.Context, account *model.ExternalAccount) error {
	_, err := r.db.ExecContext(ctx, insertExternalAccountSQL,
		account.ID, account.UserID, account.Provider, account.ProviderAccountID, account.CreatedAt,
	)
	return translateError("failed to insert external account", err)
}

// compile-time interface check
var _ ExternalAccountRepository = (*PostgresExternalAccountRepo)(nil)
