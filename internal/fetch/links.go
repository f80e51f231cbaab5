package fetch

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/forager-agent/forager/internal/types"
)

// ExtractLinks pulls anchor links out of an HTML document, resolving relative
// hrefs against the page URL. Fragment-only and javascript: links are skipped.
func ExtractLinks(body string, base *url.URL) []types.Link {
	var links []types.Link
	seen := make(map[string]bool)

	tokenizer := html.NewTokenizer(strings.NewReader(body))
	var anchorHref string
	var anchorText strings.Builder
	inAnchor := false

	flush := func() {
		if anchorHref == "" {
			return
		}
		text := strings.TrimSpace(anchorText.String())
		if !seen[anchorHref] {
			seen[anchorHref] = true
			links = append(links, types.Link{Text: text, Href: anchorHref})
		}
		anchorHref = ""
		anchorText.Reset()
	}

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			flush()
			return links
		case html.StartTagToken:
			token := tokenizer.Token()
			if token.Data != "a" {
				continue
			}
			for _, attr := range token.Attr {
				if attr.Key != "href" {
					continue
				}
				href := resolveHref(attr.Val, base)
				if href != "" {
					inAnchor = true
					anchorHref = href
				}
			}
		case html.TextToken:
			if inAnchor {
				anchorText.WriteString(tokenizer.Token().Data)
			}
		case html.EndTagToken:
			if tokenizer.Token().Data == "a" && inAnchor {
				inAnchor = false
				flush()
			}
		}
	}
}

func resolveHref(href string, base *url.URL) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	parsed.Fragment = ""
	return parsed.String()
}
