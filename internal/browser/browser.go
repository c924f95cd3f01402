// Package browser is the port to the page-rendering engine: it opens pages,
// injects the capture instrumentation and reports network and console activity.
package browser

import (
	"context"
	_ "embed"
	"errors"
	"strings"
)

// ErrPageClosed is returned by operations on a closed page.
var ErrPageClosed = errors.New("page closed")

// Engine opens pages.
type Engine interface {
	NewPage(ctx context.Context) (Page, error)
}

// Page is one rendered document. Handlers registered with OnResponse and
// OnConsole may be called from any goroutine until Close.
type Page interface {
	// AddInitScript runs source in every new document before page scripts.
	AddInitScript(ctx context.Context, source string) error
	OnResponse(handler func(Response))
	OnConsole(handler func(text string))
	// Goto navigates and waits for the load event or ctx expiry.
	Goto(ctx context.Context, url string) error
	// Evaluate runs expr and returns its value as JSON text.
	Evaluate(ctx context.Context, expr string) (string, error)
	Close() error
}

// Response is the metadata of one network response.
type Response struct {
	URL          string
	Status       int
	ContentType  string
	ResourceType string
	Body         string // only for JSON XHR/fetch responses
}

// InstrumentationScript patches fetch/XHR and watches the DOM, reporting
// candidate media through console lines prefixed with "CAPTURE::".
//
//go:embed instrument.js
var InstrumentationScript string

// DOMScanScript evaluates to a JSON array of media src/currentSrc values.
const DOMScanScript = `(() => {
  const out = new Set();
  document.querySelectorAll("video, audio, img, source").forEach((el) => {
    if (el.currentSrc) out.add(el.currentSrc);
    if (el.src) out.add(el.src);
    const s = el.getAttribute && el.getAttribute("src");
    if (s) out.add(s);
    if (el.querySelectorAll) el.querySelectorAll("source").forEach((c) => c.src && out.add(c.src));
  });
  return Array.from(out);
})()`

// DocumentHTMLScript evaluates to the serialized document.
const DocumentHTMLScript = `document.documentElement ? document.documentElement.outerHTML : ""`

// WantsBody reports whether a response body is worth reading for URL scanning.
func WantsBody(resourceType, contentType string) bool {
	switch resourceType {
	case "XHR", "Fetch", "xhr", "fetch":
	default:
		return false
	}
	return strings.Contains(strings.ToLower(contentType), "json")
}
