package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestRequestBuilderResolvesPaths(t *testing.T) {
	builder, err := NewRequestBuilder("http://example.com/app/", nil)
	if err != nil {
		t.Fatalf("NewRequestBuilder() error = %v", err)
	}

	cases := map[string]string{
		"/posts/":          "http://example.com/app/posts/",
		"posts/create/":    "http://example.com/app/posts/create/",
		"/posts/update/7/": "http://example.com/app/posts/update/7/",
	}
	for path, want := range cases {
		if got := builder.URL(path); got != want {
			t.Errorf("URL(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRequestBuilderRejectsInvalidBase(t *testing.T) {
	for _, base := range []string{"", "   ", "/relative", "127.0.0.1:8000"} {
		if _, err := NewRequestBuilder(base, nil); err == nil {
			t.Errorf("expected error for base %q", base)
		}
	}
}

func TestPostFormCarriesCSRFToken(t *testing.T) {
	builder, err := NewRequestBuilder("http://example.com", nil)
	if err != nil {
		t.Fatalf("NewRequestBuilder() error = %v", err)
	}

	form := url.Values{"title": {"Test Post abc"}, "author": {"Author xyz"}}
	req, err := builder.PostForm(context.Background(), "/posts/create/", form, "tok123")
	if err != nil {
		t.Fatalf("PostForm() error = %v", err)
	}

	if req.Method != http.MethodPost {
		t.Fatalf("expected POST, got %s", req.Method)
	}
	if got := req.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
		t.Fatalf("unexpected content type %q", got)
	}
	if got := req.Header.Get(CSRFHeader); got != "tok123" {
		t.Fatalf("expected CSRF header tok123, got %q", got)
	}
	if got := req.Header.Get("Referer"); got != "http://example.com/posts/create/" {
		t.Fatalf("unexpected Referer %q", got)
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	parsed, err := url.ParseQuery(string(body))
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if parsed.Get(CSRFFormField) != "tok123" {
		t.Fatalf("expected token in form body, got %q", parsed.Get(CSRFFormField))
	}
	if parsed.Get("title") != "Test Post abc" || parsed.Get("author") != "Author xyz" {
		t.Fatalf("form fields lost: %v", parsed)
	}
	if form.Get(CSRFFormField) != "" {
		t.Fatal("caller's form was mutated")
	}
}

func TestPostFormWithoutToken(t *testing.T) {
	builder, _ := NewRequestBuilder("http://example.com", nil)
	req, err := builder.PostForm(context.Background(), "/posts/create/", url.Values{"title": {"x"}}, "")
	if err != nil {
		t.Fatalf("PostForm() error = %v", err)
	}
	if req.Header.Get(CSRFHeader) != "" {
		t.Fatal("expected no CSRF header without a token")
	}
	body, _ := io.ReadAll(req.Body)
	if strings.Contains(string(body), CSRFFormField) {
		t.Fatalf("expected no token field, got %s", body)
	}
}

type headerInjector struct {
	calls int
	err   error
}

func (h *headerInjector) InjectHeader(_ context.Context, req *http.Request) error {
	h.calls++
	if h.err != nil {
		return h.err
	}
	req.Header.Set("Traceparent", "00-0123456789abcdef0123456789abcdef-0123456789abcdef-01")
	return nil
}

func TestRequestBuilderAppliesInjector(t *testing.T) {
	inj := &headerInjector{}
	builder, _ := NewRequestBuilder("http://example.com", inj)

	req, err := builder.Get(context.Background(), "/posts/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if req.Header.Get("Traceparent") == "" {
		t.Fatal("expected injected header")
	}
	if req.Header.Get("User-Agent") != "loadscope" {
		t.Fatalf("expected default User-Agent, got %q", req.Header.Get("User-Agent"))
	}
	if inj.calls != 1 {
		t.Fatalf("expected 1 injector call, got %d", inj.calls)
	}

	inj.err = errors.New("no span")
	if _, err := builder.Get(context.Background(), "/posts/"); err == nil {
		t.Fatal("expected injector error to propagate")
	}
}

func TestSessionClientKeepsCookiesAndReportsRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/posts/":
			http.SetCookie(w, &http.Cookie{Name: CSRFCookieName, Value: "cookie-token", Path: "/"})
			w.WriteHeader(http.StatusOK)
		case "/posts/create/":
			c, err := r.Cookie(CSRFCookieName)
			if err != nil || c.Value != "cookie-token" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			http.Redirect(w, r, "/posts/", http.StatusFound)
		}
	}))
	defer server.Close()

	client, err := NewSessionClient(time.Second, nil)
	if err != nil {
		t.Fatalf("NewSessionClient() error = %v", err)
	}
	defer client.CloseIdleConnections()

	resp, err := client.Get(server.URL + "/posts/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	Discard(resp)

	if got := Cookie(client, server.URL, CSRFCookieName); got != "cookie-token" {
		t.Fatalf("expected jar to hold csrftoken, got %q", got)
	}

	resp, err = client.Post(server.URL+"/posts/create/", "application/x-www-form-urlencoded", strings.NewReader("a=b"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	Discard(resp)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 to be reported, got %d", resp.StatusCode)
	}
}

func TestSessionClientsDoNotShareCookies(t *testing.T) {
	transport := NewTransport()
	a, _ := NewSessionClient(time.Second, transport)
	b, _ := NewSessionClient(time.Second, transport)

	u, _ := url.Parse("http://example.com/")
	a.Jar.SetCookies(u, []*http.Cookie{{Name: CSRFCookieName, Value: "a"}})

	if got := Cookie(b, "http://example.com/", CSRFCookieName); got != "" {
		t.Fatalf("expected isolated jars, got %q", got)
	}
	if got := Cookie(a, "http://example.com/", CSRFCookieName); got != "a" {
		t.Fatalf("expected cookie a, got %q", got)
	}
}

func TestReadBodyLimitsAndDrains(t *testing.T) {
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))}
	body, err := ReadBody(resp, 10)
	if err != nil {
		t.Fatalf("ReadBody() error = %v", err)
	}
	if len(body) != 10 {
		t.Fatalf("expected 10 bytes, got %d", len(body))
	}
	if body, err := ReadBody(nil, 0); body != nil || err != nil {
		t.Fatalf("expected nil result for nil response, got %q %v", body, err)
	}
}

func TestClientTimeoutApplied(t *testing.T) {
	timeout := 50 * time.Millisecond
	client := NewClient(timeout)
	defer client.CloseIdleConnections()

	if client.Timeout != timeout {
		t.Fatalf("expected client timeout %s, got %s", timeout, client.Timeout)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(timeout * 3)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected timeout error, got nil")
	}

	elapsed := time.Since(start)
	if elapsed < timeout {
		t.Fatalf("request returned too quickly: %s < %s", elapsed, timeout)
	}
	if elapsed > timeout*5 {
		t.Fatalf("request took too long: %s", elapsed)
	}

	if !errors.Is(err, context.DeadlineExceeded) {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Fatalf("expected timeout error, got %v", err)
		}
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", client.Transport)
	}
	if transport.MaxIdleConns == 0 {
		t.Fatalf("expected transport to allow idle connections")
	}
	if transport.IdleConnTimeout == 0 {
		t.Fatalf("expected transport to set idle connection timeout")
	}
}
