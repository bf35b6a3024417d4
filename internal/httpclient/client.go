package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Form field and header names understood by Django's CSRF middleware.
const (
	CSRFFormField  = "csrfmiddlewaretoken"
	CSRFHeader     = "X-CSRFToken"
	CSRFCookieName = "csrftoken"
)

// HeaderInjector adds headers to every outgoing request, e.g. trace context.
type HeaderInjector interface {
	InjectHeader(ctx context.Context, req *http.Request) error
}

// RequestBuilder resolves paths against a base URL and applies common headers.
type RequestBuilder struct {
	base     *url.URL
	headers  http.Header
	injector HeaderInjector
}

// NewRequestBuilder validates base and returns a builder for it. injector may be nil.
func NewRequestBuilder(base string, injector HeaderInjector) (*RequestBuilder, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, errors.New("base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", base)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	headers := http.Header{}
	headers.Set("User-Agent", "loadscope")
	return &RequestBuilder{base: u, headers: headers, injector: injector}, nil
}

// URL resolves path against the base URL.
func (b *RequestBuilder) URL(path string) string {
	u := *b.base
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = b.base.Path + path
	return u.String()
}

// Get builds a GET request for path.
func (b *RequestBuilder) Get(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL(path), nil)
	if err != nil {
		return nil, err
	}
	return b.finish(ctx, req)
}

// PostForm builds a form-encoded POST for path. A non-empty token is sent both
// in the form body and in the CSRF header.
func (b *RequestBuilder) PostForm(ctx context.Context, path string, form url.Values, token string) (*http.Request, error) {
	values := url.Values{}
	for k, v := range form {
		values[k] = append([]string(nil), v...)
	}
	if token != "" {
		values.Set(CSRFFormField, token)
	}

	target := b.URL(path)
	encoded := values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", target)
	if token != "" {
		req.Header.Set(CSRFHeader, token)
	}
	return b.finish(ctx, req)
}

func (b *RequestBuilder) finish(ctx context.Context, req *http.Request) (*http.Request, error) {
	for key, values := range b.headers {
		if req.Header.Get(key) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if b.injector != nil {
		if err := b.injector.InjectHeader(ctx, req); err != nil {
			return nil, fmt.Errorf("inject header: %w", err)
		}
	}
	return req, nil
}

// NewTransport returns a pooled transport sized for many concurrent users.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func NewClient(timeout time.Duration) *http.Client {
	if timeout < 0 {
		timeout = 0
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(),
	}
}

// NewSessionClient returns a client with its own cookie jar that reports
// redirects instead of following them. transport may be shared between
// sessions; nil uses a fresh one.
func NewSessionClient(timeout time.Duration, transport http.RoundTripper) (*http.Client, error) {
	if timeout < 0 {
		timeout = 0
	}
	if transport == nil {
		transport = NewTransport()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// Cookie returns the value of the named cookie the client holds for rawURL.
func Cookie(client *http.Client, rawURL, name string) string {
	if client == nil || client.Jar == nil {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
