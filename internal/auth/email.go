package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// placeholderHashLen はプレースホルダーのローカル部に使うハッシュの16進桁数。
const placeholderHashLen = 32

// NormalizeEmail はメールアドレスを比較用の正規形に変換する。
// 前後の空白を除去して小文字化し、ドメイン部はIDNAでASCII（punycode）に変換する。
// 形式が不正な場合はエラーを返す。
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("malformed email address")
	}
	local, domain := email[:at], email[at+1:]
	if strings.ContainsAny(local, " \t\r\n") {
		return "", fmt.Errorf("malformed email address")
	}

	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("invalid email domain: %w", err)
	}
	if !strings.Contains(asciiDomain, ".") {
		return "", fmt.Errorf("invalid email domain: %s", asciiDomain)
	}

	return local + "@" + asciiDomain, nil
}

// PlaceholderEmail は外部IdPがメールアドレスを返さない場合の決定的なメールアドレスを合成する。
// 同じ (provider, providerAccountID) からは常に同じ値が得られる。
func PlaceholderEmail(provider, providerAccountID, domain string) string {
	sum := sha256.Sum256([]byte(provider + "\x00" + providerAccountID))
	return hex.EncodeToString(sum[:])[:placeholderHashLen] + "@" + domain
}

// IsPlaceholderEmail はemailが指定ドメインのプレースホルダーかどうかを返す。
func IsPlaceholderEmail(email, domain string) bool {
	at := strings.LastIndexByte(email, '@')
	return domain != "" && at >= 0 && strings.EqualFold(email[at+1:], domain)
}
