package capture

import (
	"regexp"
	"strings"
)

var (
	videoExtRE = regexp.MustCompile(`(?i)\.(?:mp4|webm|m3u8|mkv)\b`)
	audioExtRE = regexp.MustCompile(`(?i)\.(?:mp3|aac|ogg|opus|wav|flac|m4a)\b`)
	imageExtRE = regexp.MustCompile(`(?i)\.(?:jpg|jpeg|png|gif|bmp|webp)\b`)

	// mediaExtRE matches a URL whose path or query ends a segment with a media extension.
	mediaExtRE = regexp.MustCompile(`(?i)\.(?:mp4|webm|m3u8|mkv|mp3|aac|ogg|opus|wav|flac|m4a|jpg|jpeg|png|gif|bmp|webp)(?:[?#&]|$)`)
)

// Classify infers the media kind from a content type and, failing that, from
// the URL's extension. It is pure and deterministic.
func Classify(contentType, rawURL string) Kind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" && strings.HasPrefix(strings.ToLower(rawURL), "data:") {
		ct = dataURLMediaType(rawURL)
	}
	if isManifestType(ct) {
		return KindVideo
	}
	switch {
	case strings.HasPrefix(ct, "video"):
		return KindVideo
	case strings.HasPrefix(ct, "audio"):
		return KindAudio
	case strings.HasPrefix(ct, "image"):
		return KindImage
	}

	lower := strings.ToLower(rawURL)
	switch {
	case strings.Contains(lower, "m3u8"), videoExtRE.MatchString(lower):
		return KindVideo
	case audioExtRE.MatchString(lower):
		return KindAudio
	case imageExtRE.MatchString(lower):
		return KindImage
	}
	return KindOther
}

// IsMediaContentType reports whether ct names video, audio, image or a streaming manifest.
func IsMediaContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "video") || strings.Contains(ct, "audio") ||
		strings.Contains(ct, "image") || isManifestType(ct)
}

// HasMediaExtension reports whether rawURL ends a path or query segment with a media extension.
func HasMediaExtension(rawURL string) bool {
	return mediaExtRE.MatchString(rawURL)
}

func isManifestType(ct string) bool {
	return strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8") || strings.Contains(ct, "dash+xml")
}

// dataURLMediaType extracts "image/png" from "data:image/png;base64,...".
func dataURLMediaType(raw string) string {
	rest := raw[len("data:"):]
	if i := strings.IndexAny(rest, ";,"); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}
