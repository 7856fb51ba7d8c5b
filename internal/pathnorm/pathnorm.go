// Package pathnorm collapses raw URL paths into stable route templates and
// classifies them into coarse buckets, so behavioral analytics operate over
// a bounded vocabulary of templates rather than an unbounded set of raw
// paths.
package pathnorm

import (
	"regexp"
	"strings"
)

var (
	guidPattern    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	hexPattern     = regexp.MustCompile(`^[0-9a-f]{32,}$`)
	versionPattern = regexp.MustCompile(`^v(\d+)(\.\d+)?$`)
	numericPattern = regexp.MustCompile(`^\d+$`)
	slugPattern    = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+){3,}$`)
	base64Pattern  = regexp.MustCompile(`^[A-Za-z0-9+/_-]{20,}={0,2}$`)

	staticExtensions = map[string]struct{}{
		"css": {}, "js": {}, "png": {}, "jpg": {}, "jpeg": {}, "gif": {},
		"svg": {}, "ico": {}, "woff": {}, "woff2": {}, "ttf": {}, "eot": {},
		"map": {}, "mp4": {}, "webm": {}, "mp3": {}, "webp": {}, "avif": {},
	}

	authKeywords   = []string{"login", "logout", "signin", "signup", "signout", "auth", "oauth", "token", "password", "reset"}
	adminKeywords  = []string{"admin", "dashboard", "manage", "console"}
	searchKeywords = []string{"search", "find", "query"}
	metaPaths      = map[string]struct{}{
		"/robots.txt": {}, "/sitemap.xml": {}, "/favicon.ico": {}, "/humans.txt": {},
	}
)

// Bucket is a coarse classification of a normalized path template.
type Bucket string

const (
	BucketStatic Bucket = "static"
	BucketAPI    Bucket = "api"
	BucketSearch Bucket = "search"
	BucketAuth   Bucket = "auth"
	BucketAdmin  Bucket = "admin"
	BucketDetail Bucket = "detail"
	BucketMeta   Bucket = "meta"
	BucketHome   Bucket = "home"
	BucketPage   Bucket = "page"
)

// Normalize collapses a raw path into a route template. It is idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	path := raw
	if idx := strings.IndexAny(path, "?#"); idx != -1 {
		path = path[:idx]
	}
	if path == "" {
		path = "/"
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	if isStaticAsset(path) {
		return "{static}"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		lower := strings.ToLower(seg)
		switch {
		case guidPattern.MatchString(lower):
			segments[i] = "{guid}"
		case hexPattern.MatchString(lower):
			segments[i] = "{hash}"
		case versionPattern.MatchString(lower):
			segments[i] = versionPattern.ReplaceAllString(lower, "v{v}")
		case numericPattern.MatchString(lower):
			segments[i] = "{id}"
		case slugPattern.MatchString(lower) && len(lower) > 20:
			segments[i] = "{slug}"
		case base64Pattern.MatchString(seg) && len(seg) >= 20:
			segments[i] = "{token}"
		default:
			segments[i] = lower
		}
	}

	return strings.ToLower(strings.Join(segments, "/"))
}

func isStaticAsset(path string) bool {
	idx := strings.LastIndex(path, ".")
	if idx == -1 || idx == len(path)-1 {
		return false
	}
	if strings.LastIndex(path, "/") > idx {
		return false
	}
	_, ok := staticExtensions[strings.ToLower(path[idx+1:])]
	return ok
}

// Classify buckets a normalized template for coarse-grained analytics.
func Classify(template string) Bucket {
	if template == "{static}" {
		return BucketStatic
	}
	if _, ok := metaPaths[template]; ok {
		return BucketMeta
	}
	if template == "/" {
		return BucketHome
	}
	if strings.HasPrefix(template, "/api/") || strings.HasPrefix(template, "/_") {
		return BucketAPI
	}
	if containsAny(template, searchKeywords) {
		return BucketSearch
	}
	if containsAny(template, authKeywords) {
		return BucketAuth
	}
	if containsAny(template, adminKeywords) {
		return BucketAdmin
	}
	if strings.Contains(template, "{id}") || strings.Contains(template, "{guid}") || strings.Contains(template, "{slug}") {
		return BucketDetail
	}
	return BucketPage
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
