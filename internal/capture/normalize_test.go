package capture

import (
	"reflect"
	"testing"
)

func TestNormalize_NetworkResponse(t *testing.T) {
	t.Run("media_content_type", func(t *testing.T) {
		got := Normalize(NetworkResponse{URL: "https://cdn.example.com/seg", ContentType: "video/mp2t", ResourceType: "Media"})
		want := []Candidate{{URL: "https://cdn.example.com/seg", ContentType: "video/mp2t", Source: SourceNetwork}}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})

	t.Run("media_extension_without_type", func(t *testing.T) {
		got := Normalize(NetworkResponse{URL: "https://cdn.example.com/a.png", ContentType: "application/octet-stream"})
		if len(got) != 1 || got[0].ContentType != "" || got[0].Source != SourceNetwork {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("json_body_scanned", func(t *testing.T) {
		body := `{"items":[{"src":"https:\/\/cdn.example.com\/v\/1.mp4"},{"src":"https://cdn.example.com/a.mp3?sig=1&e=2"}]}`
		got := Normalize(NetworkResponse{URL: "https://api.example.com/feed", ContentType: "application/json", ResourceType: "XHR", Body: body})
		want := []Candidate{
			{URL: "https://cdn.example.com/v/1.mp4", Source: SourceXHRJSON},
			{URL: "https://cdn.example.com/a.mp3?sig=1&e=2", Source: SourceXHRJSON},
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})

	t.Run("json_body_of_document_ignored", func(t *testing.T) {
		got := Normalize(NetworkResponse{URL: "https://api.example.com/x", ContentType: "application/json", ResourceType: "Document", Body: `"https://cdn.example.com/a.mp4"`})
		if got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})

	t.Run("irrelevant_response", func(t *testing.T) {
		if got := Normalize(NetworkResponse{URL: "https://example.com/", ContentType: "text/html"}); got != nil {
			t.Errorf("expected nil, got %+v", got)
		}
	})
}

func TestNormalize_ConsoleCapture(t *testing.T) {
	got := Normalize(ConsoleCapture{URL: " https://cdn.example.com/a.m3u8 ", ContentType: "application/x-mpegurl", Note: "fetch"})
	want := []Candidate{{URL: "https://cdn.example.com/a.m3u8", ContentType: "application/x-mpegurl", Source: "fetch"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	got = Normalize(ConsoleCapture{URL: "https://cdn.example.com/b.mp4"})
	if len(got) != 1 || got[0].Source != SourceConsole {
		t.Errorf("expected console source, got %+v", got)
	}

	if got := Normalize(ConsoleCapture{}); got != nil {
		t.Errorf("expected nil for empty url, got %+v", got)
	}
}

func TestNormalize_DomBatch(t *testing.T) {
	got := Normalize(DomBatch{Items: []string{"https://img.example.com/a.jpg", "", "https://img.example.com/a.jpg", "https://img.example.com/b.jpg"}})
	want := []Candidate{
		{URL: "https://img.example.com/a.jpg", Source: SourceDOM},
		{URL: "https://img.example.com/b.jpg", Source: SourceDOM},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestNormalize_JSONBodyScan(t *testing.T) {
	preview := `{"hls":"https://live.example.com/master.m3u8","poster":"https://img.example.com/p.webp","page":"https://example.com/about"}`
	got := Normalize(JSONBodyScan{URL: "https://api.example.com/x", Preview: preview})
	want := []Candidate{
		{URL: "https://live.example.com/master.m3u8", Source: SourceJSONPreview},
		{URL: "https://img.example.com/p.webp", Source: SourceJSONPreview},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
