package pathnorm

import "testing"

func TestNormalizeIdempotent(t *testing.T) {
	cases := []string{
		"/product/123",
		"/users/550e8400-e29b-41d4-a716-446655440000/profile",
		"/api/v2/widgets",
		"/assets/app.js?v=3",
		"/",
		"/a1b2c3d4e5f60718293a4b5c6d7e8f9012345678",
	}
	for _, c := range cases {
		first := Normalize(c)
		second := Normalize(first)
		if first != second {
			t.Errorf("Normalize not idempotent for %q: %q != %q", c, first, second)
		}
	}
}

func TestNormalizeReplacements(t *testing.T) {
	tests := map[string]string{
		"/product/123":                                      "/product/{id}",
		"/users/550e8400-e29b-41d4-a716-446655440000":        "/users/{guid}",
		"/api/v2/widgets":                                    "/api/v{v}/widgets",
		"/styles/app.css":                                    "{static}",
		"/this-is-a-very-long-descriptive-slug-for-a-post":   "/{slug}",
	}
	for in, want := range tests {
		got := Normalize(in)
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := map[string]Bucket{
		"{static}":        BucketStatic,
		"/":               BucketHome,
		"/robots.txt":     BucketMeta,
		"/api/v{v}/items": BucketAPI,
		"/search":         BucketSearch,
		"/login":          BucketAuth,
		"/admin/users":    BucketAdmin,
		"/product/{id}":   BucketDetail,
		"/about":          BucketPage,
	}
	for template, want := range tests {
		got := Classify(template)
		if got != want {
			t.Errorf("Classify(%q) = %q, want %q", template, got, want)
		}
	}
}
