package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameRunes は表示名として保持する最大文字数。
const MaxDisplayNameRunes = 100

// ProfileSanitizerService は外部IdPから受け取ったプロフィール文字列を無害化するインターフェース。
type ProfileSanitizerService interface {
	// SanitizeDisplayName はHTMLタグと制御文字を除去したプレーンテキストの表示名を返す。
	// 連続する空白は1つにまとめ、MaxDisplayNameRunes文字で切り詰める。
	SanitizeDisplayName(raw string) string
}

// profileSanitizer はProfileSanitizerServiceの実装。
// bluemondayのStrictPolicyはすべてのタグを除去する。ポリシーはスレッドセーフ。
type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerServiceの新しいインスタンスを生成する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeDisplayName は表示名を無害化する。
func (s *profileSanitizer) SanitizeDisplayName(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyは&などをエスケープするため、保存前にプレーンテキストへ戻す。
	// 表示時のエスケープはUI側の責務。
	text := html.UnescapeString(s.policy.Sanitize(raw))

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	if runes := []rune(text); len(runes) > MaxDisplayNameRunes {
		text = string(runes[:MaxDisplayNameRunes])
	}
	return text
}
