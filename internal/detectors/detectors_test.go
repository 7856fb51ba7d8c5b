package detectors

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/botwave/internal/blackboard"
	"github.com/kestrelsec/botwave/internal/reputation"
	"github.com/kestrelsec/botwave/internal/signature"
)

func stateWithRequest(t *testing.T, userAgent string, headers map[string]string, meta blackboard.Meta) blackboard.State {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "/products/1", nil)
	require.NoError(t, err)
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return blackboard.NewWithMeta(req, "req-1", "sig-1", time.Now(), meta)
}

func TestUserAgentDetectorFlagsKnownTokens(t *testing.T) {
	cases := map[string]float64{
		"curl/8.4.0":              0.8,
		"python-requests/2.31.0":  0.8,
		"Scrapy/2.11 (+https://scrapy.org)": 0.8,
	}
	for ua, wantDelta := range cases {
		s := stateWithRequest(t, ua, nil, blackboard.Meta{})
		r := UserAgentDetector{}.Run(context.Background(), s)
		require.Len(t, r.Contributions, 1, "ua=%q", ua)
		assert.Equal(t, wantDelta, r.Contributions[0].ConfidenceDelta)
		assert.Equal(t, 1.0, r.Signals["ua_bot_token"])
	}
}

func TestUserAgentDetectorMissingUA(t *testing.T) {
	s := stateWithRequest(t, "", nil, blackboard.Meta{})
	r := UserAgentDetector{}.Run(context.Background(), s)
	require.Len(t, r.Contributions, 1)
	assert.Equal(t, 0.6, r.Contributions[0].ConfidenceDelta)
	assert.Equal(t, 1.0, r.Signals["ua_missing"])
}

func TestUserAgentDetectorBrowserIsMildlyExculpatory(t *testing.T) {
	s := stateWithRequest(t, "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", nil, blackboard.Meta{})
	r := UserAgentDetector{}.Run(context.Background(), s)
	require.Len(t, r.Contributions, 1)
	assert.Negative(t, r.Contributions[0].ConfidenceDelta)
}

func TestHeaderDetectorCountsMissingBrowserHeaders(t *testing.T) {
	bare := stateWithRequest(t, "curl/8.4.0", nil, blackboard.Meta{})
	r := HeaderDetector{}.Run(context.Background(), bare)
	assert.Equal(t, 3.0, r.Signals["header_missing_count"])
	require.Len(t, r.Contributions, 1)
	assert.InDelta(t, 0.7, r.Contributions[0].ConfidenceDelta, 1e-9)

	browserlike := stateWithRequest(t, "Mozilla/5.0", map[string]string{
		"Accept":          "text/html",
		"Accept-Language": "en-US",
		"Accept-Encoding": "gzip",
		"Sec-Fetch-Mode":  "navigate",
	}, blackboard.Meta{})
	r = HeaderDetector{}.Run(context.Background(), browserlike)
	assert.Equal(t, 0.0, r.Signals["header_missing_count"])
}

func TestSecurityToolDetector(t *testing.T) {
	s := stateWithRequest(t, "sqlmap/1.7.11#stable (https://sqlmap.org)", nil, blackboard.Meta{})
	r := SecurityToolDetector{}.Run(context.Background(), s)
	require.Len(t, r.Contributions, 1)
	assert.Equal(t, 0.9, r.Contributions[0].ConfidenceDelta)

	clean := stateWithRequest(t, "Mozilla/5.0", nil, blackboard.Meta{})
	assert.Empty(t, SecurityToolDetector{}.Run(context.Background(), clean).Contributions)
}

func TestReputationDetectorGating(t *testing.T) {
	tracker := reputation.New(reputation.Options{})
	deps := Deps{Reputation: tracker}
	det := ReputationDetector{Deps: deps, HighRateThreshold: 0.7, VeryHighRateThreshold: 0.9}

	// Below the sample floor: no rate is emitted at all.
	now := time.Now()
	for i := 0; i < 3; i++ {
		tracker.RecordDetection("RU", "engine", true, 0.9, now)
	}
	s := stateWithRequest(t, "curl/8.4.0", nil, blackboard.Meta{CountryCode: "RU"})
	r := det.Run(context.Background(), s)
	assert.Empty(t, r.Signals)
	assert.Empty(t, r.Contributions)

	// Ten hits, all bots: rate lands in [0.9, 1.0] with a positive delta.
	for i := 0; i < 7; i++ {
		tracker.RecordDetection("RU", "engine", true, 0.9, now)
	}
	r = det.Run(context.Background(), s)
	require.Len(t, r.Contributions, 1)
	rate := r.Signals["geo_country_bot_rate"]
	assert.GreaterOrEqual(t, rate, 0.9)
	assert.LessOrEqual(t, rate, 1.0)
	assert.Positive(t, r.Contributions[0].ConfidenceDelta)
}

func TestHeuristicDetectorReviewsAccumulatedSignals(t *testing.T) {
	s := stateWithRequest(t, "curl/8.4.0", nil, blackboard.Meta{})
	s.Signals["ua_bot_token"] = 1
	s.Signals["markov_loop_score"] = 1
	s.Signals["ip_datacenter"] = 1

	r := HeuristicDetector{}.Run(context.Background(), s)
	require.Len(t, r.Contributions, 1)
	c := r.Contributions[0]
	assert.Equal(t, 2.0, c.Weight)
	assert.Positive(t, c.ConfidenceDelta)

	clean := stateWithRequest(t, "Mozilla/5.0", nil, blackboard.Meta{})
	r = HeuristicDetector{}.Run(context.Background(), clean)
	require.Len(t, r.Contributions, 1)
	assert.Negative(t, r.Contributions[0].ConfidenceDelta)
}

func TestClientSideFingerprintDetector(t *testing.T) {
	withFP := stateWithRequest(t, "Mozilla/5.0", nil, blackboard.Meta{ClientFingerprint: []byte(`{"canvas":"abc"}`)})
	r := ClientSideFingerprintDetector{}.Run(context.Background(), withFP)
	require.Len(t, r.Contributions, 1)
	assert.Negative(t, r.Contributions[0].ConfidenceDelta)

	browserNoFP := stateWithRequest(t, "Mozilla/5.0", nil, blackboard.Meta{})
	r = ClientSideFingerprintDetector{}.Run(context.Background(), browserNoFP)
	require.Len(t, r.Contributions, 1)
	assert.Positive(t, r.Contributions[0].ConfidenceDelta)
}

func TestAccountTakeoverDetectorNeedsAuthBurst(t *testing.T) {
	coord := signature.NewCoordinator(50, time.Hour)
	now := time.Now()
	for i := 0; i < 6; i++ {
		coord.RecordRequest("sig-1", signature.Record{
			RequestID: "r",
			Timestamp: now.Add(time.Duration(i) * time.Second),
			RawPath:   "/login",
		})
	}
	det := AccountTakeoverDetector{Deps: Deps{Coordinator: coord}}

	req, err := http.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, err)
	s := blackboard.NewWithMeta(req, "req-1", "sig-1", now.Add(10*time.Second), blackboard.Meta{})

	r := det.Run(context.Background(), s)
	require.NotEmpty(t, r.Contributions)
	assert.GreaterOrEqual(t, r.Contributions[0].ConfidenceDelta, 0.4)

	nonAuth := stateWithRequest(t, "Mozilla/5.0", nil, blackboard.Meta{})
	assert.Empty(t, det.Run(context.Background(), nonAuth).Contributions)
}
