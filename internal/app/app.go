package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/tablegate/internal/auth"
	"github.com/hitoshi/tablegate/internal/config"
	"github.com/hitoshi/tablegate/internal/database"
	"github.com/hitoshi/tablegate/internal/handler"
	"github.com/hitoshi/tablegate/internal/logger"
	"github.com/hitoshi/tablegate/internal/metrics"
	"github.com/hitoshi/tablegate/internal/middleware"
	"github.com/hitoshi/tablegate/internal/repository"
	"github.com/hitoshi/tablegate/internal/security"
	"github.com/hitoshi/tablegate/internal/user"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.LogLevel != slog.LevelInfo {
		logger.SetupDefault(w, cfg.LogLevel)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Ping(db, 5*time.Second); err != nil {
		return err
	}

	slog.Info("database connection established")

	// 2. リポジトリ
	userRepo := repository.NewPostgresUserRepo(db)
	accountRepo := repository.NewPostgresExternalAccountRepo(db)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 4. 外部IdP（プロフィール取得はSSRF対策済みのクライアントで行う）
	guard := security.NewURLGuard()
	providers := buildProviders(cfg, guard.NewSafeClient(cfg.ProviderTimeout))
	if len(providers) == 0 {
		slog.Warn("no external providers configured; only credential login is available")
	}

	// 5. 認証サービス
	authService, err := auth.NewService(auth.Config{
		Issuer:             cfg.SessionIssuer,
		SigningKey:         []byte(cfg.SessionSecret),
		TokenTTL:           cfg.SessionTTL(),
		PlaceholderDomain:  cfg.PlaceholderEmailDomain,
		BaseURL:            cfg.BaseURL,
		DefaultLandingPath: cfg.DefaultLandingPath,
		BcryptCost:         cfg.BcryptCost,
	}, auth.Deps{
		Users:     userRepo,
		Accounts:  accountRepo,
		Providers: providers,
		Sanitizer: security.NewProfileSanitizer(),
		URLs:      guard,
		Metrics:   collector,
	})
	if err != nil {
		return fmt.Errorf("failed to build auth service: %w", err)
	}

	userService := user.NewService(userRepo)

	// 6. レート制限（設定値はreq/min単位なのでreq/secに変換する）
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	// 7. ルーター
	cookie := middleware.CookieConfig{
		Secure: cfg.CookieSecure,
		Domain: cfg.CookieDomain,
	}
	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     authService,
		RateLimiter:       rateLimiter,
		Cookie:            cookie,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		HSTS:              strings.HasPrefix(cfg.BaseURL, "https://"),
		Logger:            slog.Default(),
		HealthChecker:     db,
		Metrics:           collector,
		Gatherer:          registry,
		AuthService:       authService,
		UserService:       userService,
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// buildProviders は設定済みの外部IdPだけを生成する。
func buildProviders(cfg *config.Config, client *http.Client) []auth.OAuthProvider {
	var providers []auth.OAuthProvider
	if cfg.LINE.Enabled() {
		providers = append(providers, auth.NewLINEProvider(auth.ProviderConfig{
			ClientID:     cfg.LINE.ClientID,
			ClientSecret: cfg.LINE.ClientSecret,
			RedirectURL:  cfg.LINE.RedirectURL,
		}, client))
	}
	if cfg.Google.Enabled() {
		providers = append(providers, auth.NewGoogleProvider(auth.ProviderConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		}, client))
	}
	return providers
}

// rateLimiterConfig はreq/min単位の設定値からレート制限設定を組み立てる。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitLogin > 0 {
		rlCfg.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
		rlCfg.LoginBurst = cfg.RateLimitLogin
	}
	return rlCfg
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。
// 解析できないURLは全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
