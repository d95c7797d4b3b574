// Package logger は構造化ログの出力設定を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redacted は秘匿属性の値の置き換え文字列。
const redacted = "[REDACTED]"

// sensitiveKeys は値をログに出してはならない属性キー。
// パスワード、パスワードハッシュ、署名鍵、トークン類が該当する。
var sensitiveKeys = []string{
	"password",
	"password_hash",
	"secret",
	"signing_key",
	"token",
	"session_token",
	"access_token",
	"authorization",
	"cookie",
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 秘匿属性の値は出力前に置き換える。
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSensitive,
	})
	return slog.New(handler)
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// writerがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer, level slog.Level) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w, level))
}

func redactSensitive(_ []string, a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	return a
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if lower == k {
			return true
		}
	}
	return false
}
