package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/tablegate/internal/model"
	"github.com/hitoshi/tablegate/internal/repository"
)

// --- インメモリストア ---
// PostgreSQLと同じ一意制約（email、(provider, provider_account_id)）を持つ。

type memStore struct {
	mu    sync.Mutex
	users map[string]model.User
	links map[string]model.ExternalAccount

	// beforeCreate はCreateWithExternalAccountがロックを取る前に呼ばれる。
	beforeCreate func()
	// findErr が設定されていると全ての検索がこのエラーを返す。
	findErr error

	createCalls int
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]model.User),
		links: make(map[string]model.ExternalAccount),
	}
}

func linkKey(provider, accountID string) string {
	return provider + "\x00" + accountID
}

func (s *memStore) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *memStore) linkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

func (s *memStore) setFindErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findErr = err
}

// putUser はテスト用にユーザーを直接登録する。
func (s *memStore) putUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *memStore) putLink(a model.ExternalAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey(a.Provider, a.ProviderAccountID)] = a
}

func (s *memStore) emailTakenLocked(email string) bool {
	if email == "" {
		return false
	}
	for _, u := range s.users {
		if u.Email == email {
			return true
		}
	}
	return false
}

type memUsers struct{ *memStore }

func (s memUsers) FindByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s memUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	for _, u := range s.users {
		if u.Email == email {
			u := u
			return &u, nil
		}
	}
	return nil, nil
}

func (s memUsers) Create(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emailTakenLocked(user.Email) {
		return fmt.Errorf("create user: %w (users_email_key)", repository.ErrConflict)
	}
	s.users[user.ID] = *user
	return nil
}

func (s memUsers) CreateWithExternalAccount(_ context.Context, user *model.User, account *model.ExternalAccount) error {
	if s.beforeCreate != nil {
		s.beforeCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.emailTakenLocked(user.Email) {
		return fmt.Errorf("create user: %w (users_email_key)", repository.ErrConflict)
	}
	if _, ok := s.links[linkKey(account.Provider, account.ProviderAccountID)]; ok {
		return fmt.Errorf("create external account: %w (external_accounts_provider_account_key)", repository.ErrConflict)
	}
	s.users[user.ID] = *user
	s.links[linkKey(account.Provider, account.ProviderAccountID)] = *account
	return nil
}

func (s memUsers) UpdateRole(_ context.Context, id string, role model.Role, restaurantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("update role: %w", repository.ErrNotFound)
	}
	u.Role = role
	u.RestaurantID = restaurantID
	s.users[id] = u
	return nil
}

func (s memUsers) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("delete user: %w", repository.ErrNotFound)
	}
	delete(s.users, id)
	for k, l := range s.links {
		if l.UserID == id {
			delete(s.links, k)
		}
	}
	return nil
}

type memAccounts struct{ *memStore }

func (s memAccounts) FindByProviderAccount(_ context.Context, provider, providerAccountID string) (*model.ExternalAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	a, ok := s.links[linkKey(provider, providerAccountID)]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s memAccounts) Create(_ context.Context, account *model.ExternalAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[linkKey(account.Provider, account.ProviderAccountID)]; ok {
		return fmt.Errorf("create external account: %w (external_accounts_provider_account_key)", repository.ErrConflict)
	}
	if _, ok := s.users[account.UserID]; !ok {
		return fmt.Errorf("create external account: %w (external_accounts_user_id_fkey)", repository.ErrConflict)
	}
	s.links[linkKey(account.Provider, account.ProviderAccountID)] = *account
	return nil
}

var (
	_ repository.UserRepository            = memUsers{}
	_ repository.ExternalAccountRepository = memAccounts{}
)

// barrier はn個のゴルーチンが揃うまで待機させる。n+1回目以降の呼び出しは待機しない。
type barrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	release chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, release: make(chan struct{})}
}

func (b *barrier) wait() {
	b.mu.Lock()
	b.arrived++
	arrived := b.arrived
	if arrived == b.n {
		close(b.release)
	}
	b.mu.Unlock()
	if arrived <= b.n {
		<-b.release
	}
}

// --- モック定義 ---

type mockSanitizer struct{}

func (mockSanitizer) SanitizeDisplayName(raw string) string { return raw }

type mockURLValidator struct {
	validateFn func(rawURL string) error
}

func (m *mockURLValidator) ValidateURL(rawURL string) error {
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

type mockProvider struct {
	name       string
	exchangeFn func(ctx context.Context, code string) (*ExternalProfile, error)
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) LoginURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (m *mockProvider) Exchange(ctx context.Context, code string) (*ExternalProfile, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code)
	}
	return nil, fmt.Errorf("not implemented")
}

const testPlaceholderDomain = "line.placeholder.invalid"

func testConfig() Config {
	return Config{
		Issuer:             "tablegate-test",
		SigningKey:         []byte("0123456789abcdef0123456789abcdef"),
		TokenTTL:           time.Hour,
		PlaceholderDomain:  testPlaceholderDomain,
		BaseURL:            "https://app.example.com",
		DefaultLandingPath: "/dashboard",
		BcryptCost:         4,
	}
}
