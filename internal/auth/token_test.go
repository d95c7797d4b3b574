package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/tablegate/internal/metrics"
	"github.com/hitoshi/tablegate/internal/model"
)

var testNow = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestTokenBuilder(store *memStore) (*TokenBuilder, *time.Time) {
	now := testNow
	b := NewTokenBuilder(testConfig(), memUsers{store}, memAccounts{store}, metrics.Nop{})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestTokenBuilder_IssueAndParse(t *testing.T) {
	b, _ := newTestTokenBuilder(newMemStore())
	user := &model.User{ID: "u1", Email: "owner@example.com", Name: "Owner", Role: model.RoleRestaurantOwner, RestaurantID: "r1"}

	token, issued, err := b.Issue(user, AuthSourceCredential, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if issued.ExpiresAt.Sub(issued.IssuedAt.Time) != time.Hour {
		t.Errorf("expected exp = iat + ttl, got %v", issued.ExpiresAt.Sub(issued.IssuedAt.Time))
	}

	claims, err := b.Parse(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID() != "u1" {
		t.Errorf("expected sub u1, got %s", claims.UserID())
	}
	if claims.Role != model.RoleRestaurantOwner || claims.RestaurantID != "r1" {
		t.Errorf("unexpected authorization claims: role=%s restaurant=%s", claims.Role, claims.RestaurantID)
	}
	if claims.AuthSource != AuthSourceCredential {
		t.Errorf("expected credential source, got %s", claims.AuthSource)
	}
	if claims.Issuer != "tablegate-test" {
		t.Errorf("expected issuer tablegate-test, got %s", claims.Issuer)
	}
}

func TestTokenBuilder_IssueRejectsUnknownSource(t *testing.T) {
	b, _ := newTestTokenBuilder(newMemStore())
	if _, _, err := b.Issue(&model.User{ID: "u1"}, AuthSource("magic"), nil); err == nil {
		t.Error("expected error for unknown auth source")
	}
}

func TestTokenBuilder_ParseRejects(t *testing.T) {
	b, now := newTestTokenBuilder(newMemStore())
	user := &model.User{ID: "u1", Role: model.RoleCustomer}
	valid, _, err := b.Issue(user, AuthSourceCredential, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other, _ := newTestTokenBuilder(newMemStore())
	other.key = []byte("ffffffffffffffffffffffffffffffff")
	forged, _, err := other.Issue(user, AuthSourceCredential, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	otherIssuer, _ := newTestTokenBuilder(newMemStore())
	otherIssuer.issuer = "someone-else"
	wrongIssuer, _, err := otherIssuer.Issue(user, AuthSourceCredential, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &SessionClaims{
		AuthSource: AuthSourceCredential,
		Role:       model.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tablegate-test",
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "署名鍵が異なる", token: forged},
		{name: "発行者が異なる", token: wrongIssuer},
		{name: "署名なし", token: unsigned},
		{name: "壊れたトークン", token: "not.a.jwt"},
		{name: "空", token: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Parse(tt.token); !errors.Is(err, ErrUnauthenticated) {
				t.Errorf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}

	t.Run("期限切れ", func(t *testing.T) {
		*now = testNow.Add(2 * time.Hour)
		defer func() { *now = testNow }()
		if _, err := b.Parse(valid); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("expected ErrUnauthenticated, got %v", err)
		}
	})
}

func TestTokenBuilder_RefreshExternalPicksUpRoleChange(t *testing.T) {
	store := newMemStore()
	store.putUser(model.User{ID: "u1", Email: "line-user@example.com", Role: model.RoleUnspecified})
	b, now := newTestTokenBuilder(store)

	user, _ := memUsers{store}.FindByID(context.Background(), "u1")
	_, claims, err := b.Issue(user, AuthSourceExternal, &ExternalIdentity{Provider: "line", ProviderAccountID: "U1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := (memUsers{store}).UpdateRole(context.Background(), "u1", model.RoleRestaurantOwner, "rest-9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	*now = testNow.Add(10 * time.Minute)

	token, refreshed, err := b.Refresh(context.Background(), claims)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a freshly signed token")
	}
	if refreshed.Role != model.RoleRestaurantOwner || refreshed.RestaurantID != "rest-9" {
		t.Errorf("expected refreshed role, got role=%s restaurant=%s", refreshed.Role, refreshed.RestaurantID)
	}
	if !refreshed.IssuedAt.Time.Equal(testNow.Add(10 * time.Minute)) {
		t.Errorf("expected new iat, got %v", refreshed.IssuedAt.Time)
	}
	if !refreshed.ExpiresAt.Time.Equal(claims.ExpiresAt.Time) {
		t.Errorf("refresh must not extend expiry: %v != %v", refreshed.ExpiresAt.Time, claims.ExpiresAt.Time)
	}
	if claims.Role != model.RoleUnspecified {
		t.Error("refresh must not mutate the input claims")
	}

	parsed, err := b.Parse(token)
	if err != nil {
		t.Fatalf("refreshed token should parse: %v", err)
	}
	if parsed.Role != model.RoleRestaurantOwner {
		t.Errorf("expected parsed role restaurant_owner, got %s", parsed.Role)
	}
}

func TestTokenBuilder_RefreshFallsBackToLink(t *testing.T) {
	store := newMemStore()
	store.putUser(model.User{ID: "u1", Email: "new@example.com", Role: model.RoleCustomer})
	store.putLink(model.ExternalAccount{ID: "l1", UserID: "u1", Provider: "line", ProviderAccountID: "U1"})
	b, _ := newTestTokenBuilder(store)

	claims := &SessionClaims{
		AuthSource:        AuthSourceExternal,
		Email:             "old@example.com",
		Provider:          "line",
		ProviderAccountID: "U1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
		},
	}
	_, refreshed, err := b.Refresh(context.Background(), claims)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refreshed.Role != model.RoleCustomer || refreshed.Email != "new@example.com" {
		t.Errorf("unexpected refreshed claims: %+v", refreshed)
	}
}

func TestTokenBuilder_RefreshCredentialIsUntouched(t *testing.T) {
	store := newMemStore()
	store.putUser(model.User{ID: "u1", Email: "owner@example.com", Role: model.RoleCustomer})
	b, _ := newTestTokenBuilder(store)

	user, _ := memUsers{store}.FindByID(context.Background(), "u1")
	_, claims, err := b.Issue(user, AuthSourceCredential, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (memUsers{store}).UpdateRole(context.Background(), "u1", model.RoleAdmin, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, got, err := b.Refresh(context.Background(), claims)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "" {
		t.Error("credential sessions should not be re-signed")
	}
	if got != claims || got.Role != model.RoleCustomer {
		t.Errorf("expected original claims, got role %s", got.Role)
	}
}

func TestTokenBuilder_RefreshFailsClosed(t *testing.T) {
	external := func(sub string) *SessionClaims {
		return &SessionClaims{
			AuthSource:        AuthSourceExternal,
			Role:              model.RoleAdmin,
			Email:             "u1@example.com",
			Provider:          "line",
			ProviderAccountID: "U1",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   sub,
				ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
			},
		}
	}

	t.Run("ユーザー削除済み", func(t *testing.T) {
		b, _ := newTestTokenBuilder(newMemStore())
		if _, got, err := b.Refresh(context.Background(), external("u1")); !errors.Is(err, ErrUnauthenticated) || got != nil {
			t.Errorf("expected ErrUnauthenticated and nil claims, got %v %v", got, err)
		}
	})

	t.Run("ストレージエラー", func(t *testing.T) {
		store := newMemStore()
		store.putUser(model.User{ID: "u1", Email: "u1@example.com"})
		store.setFindErr(errors.New("connection refused"))
		b, _ := newTestTokenBuilder(store)
		if _, got, err := b.Refresh(context.Background(), external("u1")); !errors.Is(err, ErrUnauthenticated) || got != nil {
			t.Errorf("expected ErrUnauthenticated and nil claims, got %v %v", got, err)
		}
	})

	t.Run("別ユーザーに解決された", func(t *testing.T) {
		store := newMemStore()
		store.putUser(model.User{ID: "someone-else", Email: "u1@example.com", Role: model.RoleAdmin})
		b, _ := newTestTokenBuilder(store)
		if _, _, err := b.Refresh(context.Background(), external("u1")); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("expected ErrUnauthenticated, got %v", err)
		}
	})
}
