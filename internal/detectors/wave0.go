package detectors

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/kestrelsec/botwave/internal/blackboard"
	"github.com/kestrelsec/botwave/internal/evidence"
)

// botUATokens are substrings that, when present in a User-Agent, identify
// non-browser HTTP clients and generic crawlers outright.
var botUATokens = []string{
	"bot", "crawler", "spider", "scrapy", "curl/", "wget/", "python-requests",
	"python-urllib", "go-http-client", "java/", "libwww-perl", "httpclient",
	"okhttp", "axios/", "node-fetch", "phantomjs", "headlesschrome",
}

// UserAgentDetector is Wave 0's fastest, highest-weighted signal: an
// explicit non-browser or generic-crawler User-Agent string.
type UserAgentDetector struct{}

func (UserAgentDetector) Name() string                  { return "UserAgent" }
func (UserAgentDetector) Trigger() blackboard.Trigger    { return blackboard.Always{} }

func (UserAgentDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	ua := state.Request.UserAgent()
	signals := map[string]float64{}

	if strings.TrimSpace(ua) == "" {
		signals["ua_missing"] = 1
		return blackboard.Result{
			Signals: signals,
			Contributions: []evidence.Contribution{{
				DetectorName: "UserAgent", Category: "ua", ConfidenceDelta: 0.6, Weight: 1.0,
				Reason: "missing User-Agent header", Signals: signals,
			}},
		}
	}

	if token := containsAnyFold(ua, botUATokens); token != "" {
		signals["ua_bot_token"] = 1
		return blackboard.Result{
			Signals: signals,
			Contributions: []evidence.Contribution{{
				DetectorName: "UserAgent", Category: "ua", ConfidenceDelta: 0.8, Weight: 1.0,
				Reason: "User-Agent matched known non-browser token: " + token, Signals: signals,
			}},
		}
	}

	signals["ua_bot_token"] = 0
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "UserAgent", Category: "ua", ConfidenceDelta: -0.1, Weight: 1.0,
			Reason: "User-Agent resembles a browser", Signals: signals,
		}},
	}
}

// expectedBrowserHeaders are headers a real browser sends on essentially
// every navigation request; bots built on bare HTTP clients routinely omit
// several at once.
var expectedBrowserHeaders = []string{"Accept", "Accept-Language", "Accept-Encoding"}

// HeaderDetector scores how many of the headers a browser always sends are
// actually present.
type HeaderDetector struct{}

func (HeaderDetector) Name() string               { return "Header" }
func (HeaderDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (HeaderDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	missing := 0
	for _, h := range expectedBrowserHeaders {
		if state.Request.Header.Get(h) == "" {
			missing++
		}
	}
	secFetch := state.Request.Header.Get("Sec-Fetch-Mode") != "" || state.Request.Header.Get("Sec-Fetch-Site") != ""

	delta := float64(missing) / float64(len(expectedBrowserHeaders)) * 0.6
	if !secFetch {
		delta += 0.1
	}
	signals := map[string]float64{"header_missing_count": float64(missing)}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "Header", Category: "header", ConfidenceDelta: clampDelta(delta), Weight: 1.0,
			Reason: "browser-standard headers present/absent check", Signals: signals,
		}},
	}
}

// IPDetector contributes based on the caller-classified datacenter/ASN
// status carried in blackboard.Meta; the HTTP adapter's GeoIP lookup is an
// external collaborator and this detector only consumes its output.
type IPDetector struct{}

func (IPDetector) Name() string               { return "Ip" }
func (IPDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (IPDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	if !state.Meta.IsDatacenter {
		return blackboard.Result{Signals: map[string]float64{"ip_datacenter": 0}}
	}
	signals := map[string]float64{"ip_datacenter": 1}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "Ip", Category: "network", ConfidenceDelta: 0.35, Weight: 0.5,
			Reason: "remote address resolves to a datacenter/hosting ASN", Signals: signals,
		}},
	}
}

// securityToolTokens match User-Agents and headers left behind by common
// vulnerability scanners and pentest tooling, distinct from generic
// crawlers: these imply active probing rather than passive scraping.
var securityToolTokens = []string{
	"nmap", "nikto", "sqlmap", "nessus", "acunetix", "burpsuite", "masscan",
	"zgrab", "shodan", "censys", "dirbuster", "gobuster", "wpscan", " zap/",
}

// SecurityToolDetector flags well-known scanner/pentest-tool signatures.
type SecurityToolDetector struct{}

func (SecurityToolDetector) Name() string               { return "SecurityTool" }
func (SecurityToolDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (SecurityToolDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	ua := state.Request.UserAgent()
	token := containsAnyFold(ua, securityToolTokens)
	if token == "" {
		return blackboard.Result{}
	}
	signals := map[string]float64{"security_tool_detected": 1}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "SecurityTool", Category: "security_tool", ConfidenceDelta: 0.9, Weight: 1.0,
			Reason: "User-Agent matched known scanner token: " + strings.TrimSpace(token), Signals: signals,
		}},
	}
}

// CacheBehaviorDetector looks at whether the client ever sends conditional-
// request headers; browsers and CDNs routinely round-trip ETag/
// If-Modified-Since on repeat navigations, bare scraping loops almost never
// do since they re-fetch everything unconditionally every time.
type CacheBehaviorDetector struct{}

func (CacheBehaviorDetector) Name() string               { return "CacheBehavior" }
func (CacheBehaviorDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (CacheBehaviorDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	conditional := state.Request.Header.Get("If-None-Match") != "" ||
		state.Request.Header.Get("If-Modified-Since") != ""
	cacheControl := state.Request.Header.Get("Cache-Control")
	noCacheForced := strings.Contains(strings.ToLower(cacheControl), "no-cache")

	if conditional {
		return blackboard.Result{Signals: map[string]float64{"cache_conditional_request": 1}}
	}
	if !noCacheForced {
		return blackboard.Result{Signals: map[string]float64{"cache_conditional_request": 0}}
	}
	signals := map[string]float64{"cache_conditional_request": 0, "cache_forced_nocache": 1}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "CacheBehavior", Category: "header", ConfidenceDelta: 0.15, Weight: 0.5,
			Reason: "client forces no-cache without any conditional revalidation", Signals: signals,
		}},
	}
}

var browserVersionPattern = regexp.MustCompile(`(?i)(Chrome|Firefox|Safari|Edg|OPR)/(\d+)`)

// minSupportedMajorVersion is a floor below which a claimed browser version
// is old enough to be either a genuinely abandoned install or, far more
// often in practice, a scraping library pinning a stale UA string.
const minSupportedMajorVersion = 70

// VersionAgeDetector flags a User-Agent claiming an implausibly old browser
// major version.
type VersionAgeDetector struct{}

func (VersionAgeDetector) Name() string               { return "VersionAge" }
func (VersionAgeDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (VersionAgeDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	ua := state.Request.UserAgent()
	m := browserVersionPattern.FindStringSubmatch(ua)
	if m == nil {
		return blackboard.Result{}
	}
	major, err := strconv.Atoi(m[2])
	if err != nil || major >= minSupportedMajorVersion {
		return blackboard.Result{Signals: map[string]float64{"ua_stale_version": 0}}
	}
	signals := map[string]float64{"ua_stale_version": 1}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "VersionAge", Category: "ua", ConfidenceDelta: 0.3, Weight: 0.8,
			Reason: "claimed browser major version is implausibly old", Signals: signals,
		}},
	}
}

// aiScraperTokens identify known AI-training/assistant crawlers. These are
// deliberately distinguished from generic bot UAs (category "ai_scraper" vs
// "ua") since operators commonly want a separate policy lever for them.
var aiScraperTokens = []string{
	"gptbot", "chatgpt-user", "ccbot", "claudebot", "claude-web", "anthropic-ai",
	"bytespider", "perplexitybot", "google-extended", "diffbot", "omgilibot",
	"facebookbot", "meta-externalagent",
}

// AIScraperDetector flags known AI-training and assistant-browsing crawlers.
type AIScraperDetector struct{}

func (AIScraperDetector) Name() string               { return "AIScraper" }
func (AIScraperDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (AIScraperDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	ua := state.Request.UserAgent()
	token := containsAnyFold(ua, aiScraperTokens)
	if token == "" {
		return blackboard.Result{}
	}
	signals := map[string]float64{"ai_scraper_detected": 1}
	return blackboard.Result{
		Signals: signals,
		Contributions: []evidence.Contribution{{
			DetectorName: "AIScraper", Category: "ai_scraper", ConfidenceDelta: 0.5, Weight: 0.7,
			Reason: "User-Agent identifies an AI scraping/assistant crawler: " + token, Signals: signals,
		}},
	}
}

// ReputationDetector reads the country's decaying bot-rate baseline and
// contributes when it clears either configured threshold. It never writes
// to the tracker itself; RecordDetection is called once by the engine
// after a request's final classification is known.
type ReputationDetector struct {
	Deps
	HighRateThreshold     float64
	VeryHighRateThreshold float64
}

func (ReputationDetector) Name() string               { return "Reputation" }
func (ReputationDetector) Trigger() blackboard.Trigger { return blackboard.Always{} }

func (d ReputationDetector) Run(_ context.Context, state blackboard.State) blackboard.Result {
	if d.Reputation == nil || state.Meta.CountryCode == "" {
		return blackboard.Result{}
	}
	rate, ok := d.Reputation.GetCountryBotRate(state.Meta.CountryCode, state.ReceivedAt)
	if !ok {
		return blackboard.Result{}
	}

	signals := map[string]float64{"geo_country_bot_rate": rate}
	veryHigh := d.VeryHighRateThreshold
	if veryHigh <= 0 {
		veryHigh = 0.9
	}
	highRate := d.HighRateThreshold
	if highRate <= 0 {
		highRate = 0.7
	}

	switch {
	case rate >= veryHigh:
		return blackboard.Result{
			Signals: signals,
			Contributions: []evidence.Contribution{{
				DetectorName: "Reputation", Category: "geo", ConfidenceDelta: 0.5, Weight: 0.6,
				Reason: "country bot rate is very high", Signals: signals,
			}},
		}
	case rate >= highRate:
		return blackboard.Result{
			Signals: signals,
			Contributions: []evidence.Contribution{{
				DetectorName: "Reputation", Category: "geo", ConfidenceDelta: 0.25, Weight: 0.6,
				Reason: "country bot rate is elevated", Signals: signals,
			}},
		}
	default:
		return blackboard.Result{Signals: signals}
	}
}

func clampDelta(x float64) float64 {
	if x < -1 {
		return -1
	}
	if x > 1 {
		return 1
	}
	return x
}
