package capture

import (
	"fmt"
	"strings"
)

const playlistContentType = "audio/x-mpegurl"

// BuildPlaylist renders the playable references of a session as an extended
// M3U list, in store order. Images, data: and blob: URLs, and entries a probe
// found unplayable are left out. An empty input produces just the header.
func BuildPlaylist(refs []MediaReference) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")

	for _, ref := range refs {
		if !inPlaylist(ref) {
			continue
		}
		b.WriteString(fmt.Sprintf("#EXTINF:-1,%s\n", playlistTitle(ref)))
		b.WriteString(ref.CanonicalURL)
		b.WriteString("\n")
	}

	return b.String()
}

func inPlaylist(ref MediaReference) bool {
	if ref.Kind != KindVideo && ref.Kind != KindAudio {
		return false
	}
	if ref.Playable != nil && !*ref.Playable {
		return false
	}
	u := ref.CanonicalURL
	return !strings.HasPrefix(u, "data:") && !strings.HasPrefix(u, "blob:")
}

// playlistTitle is "<kind> <last path element>", e.g. "video index.m3u8".
func playlistTitle(ref MediaReference) string {
	name := hostOf(ref.CanonicalURL)
	path := ref.CanonicalURL
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if i := strings.LastIndexByte(path, '/'); i >= 0 && i < len(path)-1 {
		name = path[i+1:]
	}
	// Commas end the title in EXTINF.
	return strings.ReplaceAll(string(ref.Kind)+" "+name, ",", " ")
}
