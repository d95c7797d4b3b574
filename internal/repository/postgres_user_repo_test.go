package repository

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/tablegate/internal/model"
	"github.com/lib/pq"
)

// PostgresUserRepoはUserRepositoryインターフェースを満たすことを検証
func TestPostgresUserRepo_ImplementsInterface(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
}

// PostgresExternalAccountRepoはExternalAccountRepositoryインターフェースを満たすことを検証
func TestPostgresExternalAccountRepo_ImplementsInterface(t *testing.T) {
	var _ ExternalAccountRepository = (*PostgresExternalAccountRepo)(nil)
}

func TestNewPostgresUserRepo_Initializes(t *testing.T) {
	if repo := NewPostgresUserRepo(nil); repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

func TestNewPostgresExternalAccountRepo_Initializes(t *testing.T) {
	if repo := NewPostgresExternalAccountRepo(nil); repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

func TestTranslateError_UniqueViolation_WrapsErrConflict(t *testing.T) {
	pqErr := &pq.Error{Code: "23505", Constraint: "external_accounts_provider_account_key"}

	err := translateError("failed to insert external account", fmt.Errorf("exec: %w", pqErr))

	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got := err.Error(); !containsStr(got, "external_accounts_provider_account_key") {
		t.Errorf("error message %q should contain constraint name", got)
	}
}

func TestTranslateError_ForeignKeyViolation_WrapsErrConflict(t *testing.T) {
	// 紐付けの挿入前にユーザーが削除された場合
	pqErr := &pq.Error{Code: "23503", Constraint: "external_accounts_user_id_fkey"}

	err := translateError("failed to insert external account", fmt.Errorf("exec: %w", pqErr))

	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got := err.Error(); !containsStr(got, "external_accounts_user_id_fkey") {
		t.Errorf("error message %q should contain constraint name", got)
	}
}

func TestTranslateError_OtherPostgresError_IsNotConflict(t *testing.T) {
	pqErr := &pq.Error{Code: "23502"} // not_null_violation

	err := translateError("failed to insert user", pqErr)

	if errors.Is(err, ErrConflict) {
		t.Fatal("not-null violation must not be reported as conflict")
	}
	var got *pq.Error
	if !errors.As(err, &got) {
		t.Error("original driver error should stay in the chain")
	}
}

func TestTranslateError_Nil_ReturnsNil(t *testing.T) {
	if err := translateError("noop", nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestUserArgs_EmptyRole_DefaultsToUnspecified(t *testing.T) {
	now := time.Now()
	user := &model.User{
		ID:        "user-id-1",
		Email:     "test@example.com",
		Name:      "Test User",
		CreatedAt: now,
		UpdatedAt: now,
	}

	args := userArgs(user)

	if len(args) != 10 {
		t.Fatalf("len(args) = %d, want 10", len(args))
	}
	if args[6] != string(model.RoleUnspecified) {
		t.Errorf("role arg = %v, want %q", args[6], model.RoleUnspecified)
	}
}

func TestUserArgs_KeepsExplicitRoleAndRestaurant(t *testing.T) {
	user := &model.User{
		ID:           "user-id-2",
		Role:         model.RoleRestaurantOwner,
		RestaurantID: "restaurant-1",
	}

	args := userArgs(user)

	if args[6] != string(model.RoleRestaurantOwner) {
		t.Errorf("role arg = %v, want %q", args[6], model.RoleRestaurantOwner)
	}
	if args[7] != "restaurant-1" {
		t.Errorf("restaurant arg = %v, want %q", args[7], "restaurant-1")
	}
}

func containsStr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
