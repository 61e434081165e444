package linkedin

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// Page is the open graph view of a public profile page.
type Page struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Locale      string `json:"locale"`
}

// parsePage pulls the og: meta tags out of the page head. The tokenizer
// stops at </head>; meta tags never appear later.
func parsePage(body []byte) Page {
	var page Page
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return page
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return page
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "meta" || !hasAttr {
				continue
			}
			var property, content string
			for {
				key, val, more := z.TagAttr()
				switch string(key) {
				case "property", "name":
					property = string(val)
				case "content":
					content = string(val)
				}
				if !more {
					break
				}
			}
			switch property {
			case "og:title":
				page.Title = content
			case "og:description", "description":
				if page.Description == "" {
					page.Description = content
				}
			case "og:image":
				page.Image = content
			case "og:locale":
				page.Locale = content
			}
		}
	}
}

// splitTitle breaks an og:title of the form "Name - Headline | LinkedIn"
// into its name and headline components.
func splitTitle(title string) (name, headline string) {
	title = strings.TrimSuffix(title, "| LinkedIn")
	title = strings.TrimSpace(title)
	if i := strings.Index(title, " - "); i >= 0 {
		return strings.TrimSpace(title[:i]), strings.TrimSpace(title[i+3:])
	}
	return title, ""
}
