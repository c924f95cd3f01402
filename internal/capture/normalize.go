package capture

import (
	"regexp"
	"strings"
)

// Observation is a raw event from the rendering engine or the page
// instrumentation. It is one of NetworkResponse, ConsoleCapture, DomBatch or
// JSONBodyScan.
type Observation interface {
	observation()
}

// NetworkResponse is response metadata seen at the network layer. Body is
// only populated for JSON XHR/fetch responses.
type NetworkResponse struct {
	URL          string
	ContentType  string
	ResourceType string
	Body         string
}

// ConsoleCapture is a fetch/XHR completion reported by the instrumentation.
type ConsoleCapture struct {
	URL         string
	ContentType string
	Note        string
}

// DomBatch is a set of src/currentSrc values harvested from media elements.
type DomBatch struct {
	Items  []string
	Source string // defaults to SourceDOM
}

// JSONBodyScan is a text preview of a JSON response body.
type JSONBodyScan struct {
	URL     string
	Preview string
}

func (NetworkResponse) observation() {}
func (ConsoleCapture) observation()  {}
func (DomBatch) observation()        {}
func (JSONBodyScan) observation()    {}

// embeddedMediaRE finds absolute media URLs inside free text.
var embeddedMediaRE = regexp.MustCompile(`(?i)https?://[^\s"'<>\\]+\.(?:mp4|webm|m3u8|mkv|mp3|aac|ogg|opus|wav|flac|m4a|jpg|jpeg|png|gif|bmp|webp)\b(?:\?[^\s"'<>\\]*)?`)

var jsonUnescaper = strings.NewReplacer(`\/`, `/`, `\u0026`, `&`, `\u002F`, `/`, `\u002f`, `/`)

// Normalize maps an observation to zero or more candidates. Observations
// that carry nothing usable yield nil.
func Normalize(obs Observation) []Candidate {
	switch o := obs.(type) {
	case NetworkResponse:
		return normalizeNetwork(o)
	case ConsoleCapture:
		return normalizeConsole(o)
	case DomBatch:
		return normalizeDOM(o)
	case JSONBodyScan:
		return scanText(o.Preview, SourceJSONPreview)
	}
	return nil
}

func normalizeNetwork(o NetworkResponse) []Candidate {
	u := strings.TrimSpace(o.URL)
	if u == "" {
		return nil
	}
	if o.ContentType != "" && IsMediaContentType(o.ContentType) {
		return []Candidate{{URL: u, ContentType: o.ContentType, Source: SourceNetwork}}
	}
	if HasMediaExtension(u) {
		return []Candidate{{URL: u, Source: SourceNetwork}}
	}
	if o.Body != "" && isScriptedRequest(o.ResourceType) && strings.Contains(strings.ToLower(o.ContentType), "json") {
		return scanText(o.Body, SourceXHRJSON)
	}
	return nil
}

func normalizeConsole(o ConsoleCapture) []Candidate {
	u := strings.TrimSpace(o.URL)
	if u == "" {
		return nil
	}
	src := o.Note
	if src == "" {
		src = SourceConsole
	}
	return []Candidate{{URL: u, ContentType: o.ContentType, Source: src}}
}

func normalizeDOM(o DomBatch) []Candidate {
	src := o.Source
	if src == "" {
		src = SourceDOM
	}
	seen := make(map[string]bool, len(o.Items))
	out := make([]Candidate, 0, len(o.Items))
	for _, item := range o.Items {
		u := strings.TrimSpace(item)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, Candidate{URL: u, Source: src})
	}
	return out
}

// scanText extracts every embedded absolute media URL from text, in order of
// first appearance.
func scanText(text, source string) []Candidate {
	if text == "" {
		return nil
	}
	matches := embeddedMediaRE.FindAllString(jsonUnescaper.Replace(text), -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, Candidate{URL: m, Source: source})
	}
	return out
}

func isScriptedRequest(resourceType string) bool {
	return strings.EqualFold(resourceType, "xhr") || strings.EqualFold(resourceType, "fetch")
}
