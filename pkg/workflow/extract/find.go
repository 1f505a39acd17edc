package extract

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"mvdan.cc/xurls/v2"
)

var urlPattern = xurls.Strict()

// FindURLs returns the unique URLs in text, in order of first appearance.
// Only absolute URLs with a host are kept.
func FindURLs(text string) []*url.URL {
	var (
		out  []*url.URL
		seen = make(map[string]struct{})
	)
	for _, match := range urlPattern.FindAllString(text, -1) {
		u, err := url.Parse(match)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, u)
	}
	return out
}

// TextFromHTML flattens an HTML document into visible text. Link targets
// are kept next to their anchor text so they can be found as candidates.
func TextFromHTML(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var (
		b    strings.Builder
		skip int
	)
	write := func(s string) {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("extract: parse html: %w", err)
			}
			return b.String(), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "script", "style", "noscript":
				if tok.Type == html.StartTagToken {
					skip++
				}
			case "a":
				for _, attr := range tok.Attr {
					if attr.Key == "href" && strings.Contains(attr.Val, "://") {
						write(attr.Val)
					}
				}
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				write(string(z.Text()))
			}
		}
	}
}
