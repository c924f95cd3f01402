package capture

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

// ConsolePrefix marks console lines written by the page instrumentation.
const ConsolePrefix = "CAPTURE::"

// ContractVersion is the newest instrumentation payload version understood
// here. Payloads without a "v" field are treated as version 1.
const ContractVersion = 1

// ParseConsoleMessage decodes one instrumentation console line. Lines that do
// not carry the prefix, are not valid JSON, or come from a newer contract
// version are rejected.
//
//	CAPTURE::{"v":1,"url":"...","ct":"video/mp4","note":"fetch"}
//	CAPTURE::{"v":1,"type":"json-preview","url":"...","preview":"..."}
//	CAPTURE::{"v":1,"type":"dom","items":["...","..."]}
func ParseConsoleMessage(text string) (Observation, bool) {
	payload, ok := strings.CutPrefix(strings.TrimSpace(text), ConsolePrefix)
	if !ok || !gjson.Valid(payload) {
		return nil, false
	}
	msg := gjson.Parse(payload)
	if !msg.IsObject() {
		return nil, false
	}
	if v := msg.Get("v"); v.Exists() && v.Int() > ContractVersion {
		return nil, false
	}

	switch msg.Get("type").String() {
	case "dom":
		items := stringArray(msg.Get("items"))
		if len(items) == 0 {
			return nil, false
		}
		return DomBatch{Items: items, Source: SourceDOM}, true
	case "json-preview":
		preview := msg.Get("preview").String()
		if preview == "" {
			return nil, false
		}
		return JSONBodyScan{URL: msg.Get("url").String(), Preview: preview}, true
	}

	u := msg.Get("url").String()
	if u == "" {
		return nil, false
	}
	ct := msg.Get("ct").String()
	if ct == "" {
		ct = msg.Get("contentType").String()
	}
	return ConsoleCapture{URL: u, ContentType: ct, Note: msg.Get("note").String()}, true
}

// DecodeDOMScan turns the JSON array returned by the final DOM scan script
// into a DomBatch.
func DecodeDOMScan(raw string) (DomBatch, bool) {
	if !gjson.Valid(raw) {
		return DomBatch{}, false
	}
	items := stringArray(gjson.Parse(raw))
	if len(items) == 0 {
		return DomBatch{}, false
	}
	return DomBatch{Items: items, Source: SourceDOMFinal}, true
}

func stringArray(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String && v.Str != "" {
			out = append(out, v.Str)
		}
		return true
	})
	return out
}

// ScanHTML harvests media sources from a serialized document. Relative
// values are resolved against pageURL.
func ScanHTML(html, pageURL string) (DomBatch, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return DomBatch{}, false
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok && base != nil {
		if b, err := base.Parse(href); err == nil {
			base = b
		}
	}

	var items []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" || strings.HasPrefix(v, "javascript:") {
			return
		}
		if base != nil && !strings.HasPrefix(v, "data:") && !strings.HasPrefix(v, "blob:") {
			if ref, err := base.Parse(v); err == nil {
				v = ref.String()
			}
		}
		items = append(items, v)
	}
	doc.Find("video, audio, img, source").Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr("src"); ok {
			add(v)
		}
		if goquery.NodeName(s) == "video" {
			if v, ok := s.Attr("poster"); ok {
				add(v)
			}
		}
	})
	if len(items) == 0 {
		return DomBatch{}, false
	}
	return DomBatch{Items: items, Source: SourceDOMHTML}, true
}
