// Package extractor scrapes the values a virtual user needs from rendered HTML
// pages: the anti-forgery token and the first link into an entity route.
package extractor

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TokenField is the hidden input carrying the anti-forgery token.
const TokenField = "csrfmiddlewaretoken"

// ResponseParser extracts session values from a response body.
type ResponseParser interface {
	// Token returns the anti-forgery token embedded in body, falling back to
	// cookieToken when the page has none.
	Token(body []byte, cookieToken string) (string, bool)
	// FirstRouteLink returns the identifier of the first <a href> containing
	// route, e.g. "42" for route "/posts/update/" and href "/posts/update/42/".
	FirstRouteLink(body []byte, route string) (string, bool)
}

// HTMLParser implements ResponseParser with a streaming HTML tokenizer.
type HTMLParser struct{}

// NewHTMLParser returns the default ResponseParser.
func NewHTMLParser() HTMLParser { return HTMLParser{} }

func (HTMLParser) Token(body []byte, cookieToken string) (string, bool) {
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return cookieFallback(cookieToken)
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.Input || attr(tok, "name") != TokenField {
				continue
			}
			// An empty hidden field counts as absent.
			if v := strings.TrimSpace(attr(tok, "value")); v != "" {
				return v, true
			}
		}
	}
}

func (HTMLParser) FirstRouteLink(body []byte, route string) (string, bool) {
	if route == "" {
		return "", false
	}
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.A {
				continue
			}
			href := attr(tok, "href")
			if !strings.Contains(href, route) {
				continue
			}
			if id, ok := RouteID(href, route); ok {
				return id, true
			}
		}
	}
}

// RouteID returns the path segment following route in href.
func RouteID(href, route string) (string, bool) {
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		href = u.Path
	}
	i := strings.Index(href, route)
	if i < 0 {
		return "", false
	}
	rest := href[i+len(route):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	return rest, true
}

func cookieFallback(cookieToken string) (string, bool) {
	cookieToken = strings.TrimSpace(cookieToken)
	return cookieToken, cookieToken != ""
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}
