package capture

import (
	"net/url"
	"strings"
)

// DefaultTrustedDomains are CDN and platform hosts whose links are commonly
// signed. Matching is a case-insensitive substring test on the host.
var DefaultTrustedDomains = []string{
	"googlevideo.com",
	"youtube.com",
	"youtu.be",
	"ytimg.com",
	"cdninstagram.com",
	"fbcdn.net",
	"facebook.com",
	"twimg.com",
	"twitter.com",
	"soundcloud.com",
	"sndcdn.com",
	"vimeo.com",
	"vimeocdn.com",
	"akamaihd.net",
	"cloudfront.net",
	"amazonaws.com",
	"googleusercontent.com",
	"storage.googleapis.com",
	"tiktokcdn.com",
}

// DefaultPriorityDomains are hosts whose references are listed first.
var DefaultPriorityDomains = []string{
	"youtube.com",
	"googlevideo",
	"youtu.be",
	"cdninstagram",
	"fbcdn.net",
	"facebook.com",
	"twitter.com",
	"twimg.com",
	"soundcloud.com",
	"vimeo.com",
	"play.google.com",
}

// byteRangeParams are dropped everywhere; they split one resource into many URLs.
var byteRangeParams = map[string]bool{
	"bytestart": true,
	"byteend":   true,
	"range":     true,
}

var trackingParams = map[string]bool{
	"_ga":    true,
	"_gl":    true,
	"mc_cid": true,
	"mc_eid": true,
}

// heavyTrackingParams are only dropped for untrusted hosts.
var heavyTrackingParams = map[string]bool{
	"fbclid":      true,
	"gclid":       true,
	"dclid":       true,
	"gbraid":      true,
	"wbraid":      true,
	"msclkid":     true,
	"yclid":       true,
	"igshid":      true,
	"ref":         true,
	"ref_src":     true,
	"referrer":    true,
	"campaign":    true,
	"campaign_id": true,
	"clickid":     true,
	"click_id":    true,
	"_hsenc":      true,
	"_hsmi":       true,
	"mkt_tok":     true,
	"spm":         true,
	"trk":         true,
}

var authParamPrefixes = []string{"signature", "token", "policy", "key", "auth", "expire"}

// CanonicalURL is the result of canonicalizing one observed URL.
type CanonicalURL struct {
	URL      string // deduplication key
	Display  string
	Trusted  bool
	Absolute bool // false when the input is not an http(s), data: or blob: URL
}

// Canonicalizer turns observed URLs into stable deduplication keys.
type Canonicalizer struct {
	trusted []string
}

// NewCanonicalizer returns a Canonicalizer that treats hosts containing any of
// trusted as signed-link CDNs. If trusted is nil, DefaultTrustedDomains is used.
func NewCanonicalizer(trusted []string) *Canonicalizer {
	if trusted == nil {
		trusted = DefaultTrustedDomains
	}
	lowered := make([]string, 0, len(trusted))
	for _, d := range trusted {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			lowered = append(lowered, d)
		}
	}
	return &Canonicalizer{trusted: lowered}
}

// IsTrustedHost reports whether host matches a trusted domain.
func (c *Canonicalizer) IsTrustedHost(host string) bool {
	return hostMatches(host, c.trusted)
}

// Canonicalize cleans raw and returns its deduplication key. It never fails:
// input it cannot interpret is returned unchanged.
func (c *Canonicalizer) Canonicalize(raw string) CanonicalURL {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "blob:") {
		return CanonicalURL{URL: s, Display: s, Absolute: true}
	}
	if strings.HasPrefix(s, "//") {
		s = "https:" + s
		lower = "https:" + lower
	}
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return CanonicalURL{URL: raw, Display: raw}
	}

	u, err := url.Parse(s)
	if err != nil || u.Hostname() == "" {
		return CanonicalURL{URL: raw, Display: raw}
	}

	host := strings.ToLower(u.Host)
	trusted := c.IsTrustedHost(u.Hostname())

	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(u.EscapedPath())
	if q := cleanQuery(u.RawQuery, trusted); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}

	out := b.String()
	return CanonicalURL{URL: out, Display: out, Trusted: trusted, Absolute: true}
}

// cleanQuery filters raw query pairs without re-encoding the survivors, so
// signed values keep their exact bytes and order.
func cleanQuery(rawQuery string, trusted bool) string {
	if rawQuery == "" {
		return ""
	}
	kept := make([]string, 0, 8)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawVal, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			kept = append(kept, pair)
			continue
		}
		key = strings.ToLower(key)
		val, err := url.QueryUnescape(rawVal)
		if err != nil {
			val = rawVal
		}
		if dropParam(key, val, trusted) {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func dropParam(key, val string, trusted bool) bool {
	v := strings.TrimSpace(val)
	if v == "" || v == "undefined" || v == "null" {
		return true
	}
	if isAuthParam(key) {
		return false
	}
	if byteRangeParams[key] || trackingParams[key] || strings.HasPrefix(key, "utm_") {
		return true
	}
	return !trusted && heavyTrackingParams[key]
}

func isAuthParam(key string) bool {
	for _, p := range authParamPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return key == "sig" || strings.HasPrefix(key, "x-amz-")
}

func hostMatches(host string, domains []string) bool {
	h := strings.ToLower(host)
	if h == "" {
		return false
	}
	for _, d := range domains {
		if strings.Contains(h, d) {
			return true
		}
	}
	return false
}

// hostOf returns the lowercase hostname of an absolute URL, or "" when it has none.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
