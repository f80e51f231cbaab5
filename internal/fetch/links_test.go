package fetch

import (
	"net/url"
	"testing"
)

func TestExtractLinks(t *testing.T) {
	base, _ := url.Parse("http://example.com/docs/")
	body := `<html><body>
		<a href="/pricing">Pricing</a>
		<a href="guide.html">Guide</a>
		<a href="http://other.com/page">Other</a>
		<a href="#section">Anchor</a>
		<a href="javascript:void(0)">JS</a>
		<a href="mailto:x@example.com">Mail</a>
		<a href="/pricing">Duplicate</a>
	</body></html>`

	links := ExtractLinks(body, base)
	if len(links) != 3 {
		t.Fatalf("got %d links, want 3: %+v", len(links), links)
	}

	want := map[string]string{
		"http://example.com/pricing":         "Pricing",
		"http://example.com/docs/guide.html": "Guide",
		"http://other.com/page":              "Other",
	}
	for _, l := range links {
		text, ok := want[l.Href]
		if !ok {
			t.Errorf("unexpected link %q", l.Href)
			continue
		}
		if l.Text != text {
			t.Errorf("link %q text = %q, want %q", l.Href, l.Text, text)
		}
	}
}

func TestExtractLinksStripsFragments(t *testing.T) {
	base, _ := url.Parse("http://example.com/")
	links := ExtractLinks(`<a href="/page#top">Top</a>`, base)
	if len(links) != 1 || links[0].Href != "http://example.com/page" {
		t.Errorf("links = %+v", links)
	}
}
