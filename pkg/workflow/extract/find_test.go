package extract

import (
	"strings"
	"testing"
)

func TestFindURLs(t *testing.T) {
	t.Parallel()
	text := "Docs at https://a.com, mirror https://a.com and https://example.com/path?q=1. " +
		"Mail mailto:me@example.com or visit http://b.org/x"
	got := FindURLs(text)
	want := []string{"https://a.com", "https://example.com/path?q=1", "http://b.org/x"}
	if len(got) != len(want) {
		t.Fatalf("expected %d urls, got %v", len(want), got)
	}
	for i, u := range got {
		if u.String() != want[i] {
			t.Fatalf("url %d = %q, want %q", i, u.String(), want[i])
		}
	}
}

func TestFindURLsEmpty(t *testing.T) {
	t.Parallel()
	if got := FindURLs("no links, just example.com text"); len(got) != 0 {
		t.Fatalf("expected no urls, got %v", got)
	}
}

func TestTextFromHTML(t *testing.T) {
	t.Parallel()
	doc := `<html><head><style>.x{color:red}</style><script>var a = "https://evil.com";</script></head>
<body><h1>Links</h1><p>Read <a href="https://a.com/docs">the   docs</a></p><a href="/relative">rel</a></body></html>`
	text, err := TextFromHTML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("TextFromHTML: %v", err)
	}
	for _, want := range []string{"Links", "Read", "https://a.com/docs", "the docs", "rel"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in %q", want, text)
		}
	}
	for _, unwanted := range []string{"evil", "color:red", "/relative"} {
		if strings.Contains(text, unwanted) {
			t.Fatalf("unexpected %q in %q", unwanted, text)
		}
	}
	urls := FindURLs(text)
	if len(urls) != 1 || urls[0].String() != "https://a.com/docs" {
		t.Fatalf("expected the anchor target, got %v", urls)
	}
}
