package auth

import (
	"net/url"
	"strings"
)

// inAppMarkers はアプリ内遷移（LINE LIFF、メニュー画面）を示す文字列。
var inAppMarkers = []string{"liff", "/menu/"}

// RedirectResolver はログイン後の遷移先URLを決定する。
// 副作用のない純粋関数で、どの入力に対してもbaseOrigin上のURLを返す。
type RedirectResolver struct {
	DefaultLandingPath string
}

// Resolve は要求された遷移先をbaseOriginに対して解決する。判定は次の優先順:
//  1. アプリ内マーカーを含む: パス、クエリ、フラグメントだけをbaseOriginに対して解決する
//  2. baseOrigin または baseOrigin+"/" または "/": デフォルトの遷移先
//  3. "/" で始まる: baseOrigin + requested
//  4. baseOriginと同一オリジンの絶対URL: そのまま
//  5. それ以外: baseOrigin
func (r RedirectResolver) Resolve(requested, baseOrigin string) string {
	base := strings.TrimRight(baseOrigin, "/")
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return base
	}

	if containsInAppMarker(requested) {
		if resolved, ok := resolvePathOnly(baseURL, requested); ok {
			return resolved
		}
		return base
	}

	if requested == base || requested == base+"/" || requested == "/" {
		return base + r.landingPath()
	}

	if strings.HasPrefix(requested, "/") {
		return base + requested
	}

	if u, err := url.Parse(requested); err == nil && u.IsAbs() &&
		strings.EqualFold(u.Scheme, baseURL.Scheme) &&
		strings.EqualFold(u.Host, baseURL.Host) {
		return requested
	}

	return base
}

func (r RedirectResolver) landingPath() string {
	if r.DefaultLandingPath == "" {
		return "/"
	}
	if !strings.HasPrefix(r.DefaultLandingPath, "/") {
		return "/" + r.DefaultLandingPath
	}
	return r.DefaultLandingPath
}

func containsInAppMarker(requested string) bool {
	for _, marker := range inAppMarkers {
		if strings.Contains(requested, marker) {
			return true
		}
	}
	return false
}

// resolvePathOnly はrequestedのホストを捨て、パス以降だけをbaseに対して解決する。
func resolvePathOnly(base *url.URL, requested string) (string, bool) {
	u, err := url.Parse(requested)
	if err != nil {
		return "", false
	}
	path := u.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	resolved := base.ResolveReference(&url.URL{
		Path:     path,
		RawQuery: u.RawQuery,
		Fragment: u.Fragment,
	})
	return resolved.String(), true
}
