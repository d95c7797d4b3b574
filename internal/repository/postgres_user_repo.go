package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/tablegate/internal/model"
)

// userColumns はusersテーブルのSELECT列。scanUserと順序を合わせること。
const userColumns = `id, email, email_verified, password_hash, name, avatar_url, role, restaurant_id, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail は正規化済みメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if email == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		email,
	)
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// Create はパスワード登録によるユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx, insertUserSQL, userArgs(user)...)
	return translateError("failed to insert user", err)
}

// CreateWithExternalAccount はユーザーと外部アカウント紐付けを同一トランザクションで作成する。
// どちらかの一意制約に違反した場合はロールバックしErrConflictを返す。
func (r *PostgresUserRepo) CreateWithExternalAccount(ctx context.Context, user *model.User, account *model.ExternalAccount) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// ユーザーを作成
	if _, err := tx.ExecContext(ctx, insertUserSQL, userArgs(user)...); err != nil {
		return translateError("failed to insert user", err)
	}

	// 紐付けを作成
	if _, err := tx.ExecContext(ctx, insertExternalAccountSQL,
		account.ID, account.UserID, account.Provider, account.ProviderAccountID, account.CreatedAt,
	); err != nil {
		return translateError("failed to insert external account", err)
	}

	if err := tx.Commit(); err != nil {
		return translateError("failed to commit transaction", err)
	}

	return nil
}

// UpdateRole はユーザーのロールと店舗IDを更新する。
func (r *PostgresUserRepo) UpdateRole(ctx context.Context, id string, role model.Role, restaurantID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET role = $2, restaurant_id = NULLIF($3, ''), updated_at = now() WHERE id = $1`,
		id, string(role), restaurantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user role: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteByID は指定IDのユーザーを削除する。
// 関連するexternal_accountsはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

const insertUserSQL = `INSERT INTO users
	(id, email, email_verified, password_hash, name, avatar_url, role, restaurant_id, created_at, updated_at)
	VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9, $10)`

func userArgs(u *model.User) []any {
	role := u.Role
	if role == "" {
		role = model.RoleUnspecified
	}
	return []any{
		u.ID, u.Email, u.EmailVerified, u.PasswordHash, u.Name, u.AvatarURL,
		string(role), u.RestaurantID, u.CreatedAt, u.UpdatedAt,
	}
}

// scanUser は1行をmodel.Userに変換する。行が存在しない場合はnilを返す。
func scanUser(row *sql.Row) (*model.User, error) {
	var (
		user         model.User
		email        sql.NullString
		passwordHash sql.NullString
		role         string
		restaurantID sql.NullString
	)
	err := row.Scan(
		&user.ID, &email, &user.EmailVerified, &passwordHash, &user.Name, &user.AvatarURL,
		&role, &restaurantID, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	user.Email = email.String
	user.PasswordHash = passwordHash.String
	user.Role = model.Role(role)
	user.RestaurantID = restaurantID.String
	return &user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
