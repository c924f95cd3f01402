package capture

import "time"

// SessionID uniquely identifies a capture session.
type SessionID string

// Kind is the coarse media category of a captured reference.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindImage Kind = "image"
	KindOther Kind = "other"
)

// Provenance tags for candidates. Console captures carry the hook name
// reported by the page ("fetch", "xhr").
const (
	SourceNetwork     = "network"
	SourceXHRJSON     = "xhr-json"
	SourceConsole     = "console"
	SourceDOM         = "dom"
	SourceDOMFinal    = "dom-final"
	SourceDOMHTML     = "dom-html"
	SourceJSONPreview = "json-preview"
)

// MediaReference is the canonical record of one discovered media resource.
// CanonicalURL is unique within a session's ResultStore.
type MediaReference struct {
	CanonicalURL string    `json:"canonicalUrl"`
	DisplayURL   string    `json:"url"`
	Kind         Kind      `json:"kind"`
	Source       string    `json:"source"`
	ContentType  string    `json:"contentType,omitempty"`
	Trusted      bool      `json:"trusted"`
	Priority     bool      `json:"priority"`
	Playable     *bool     `json:"playable,omitempty"`
	FoundAt      time.Time `json:"foundAt"`
}

// Candidate is a not-yet-deduplicated media URL produced by Normalize.
type Candidate struct {
	URL         string
	ContentType string
	Source      string
}

// Event is one frame delivered to subscribers.
type Event struct {
	Type string         `json:"type"`
	Item MediaReference `json:"item"`
}

// EventFound is the only data event type; it announces a newly accepted reference.
const EventFound = "found"
