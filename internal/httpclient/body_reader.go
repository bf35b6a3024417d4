package httpclient

import (
	"io"
	"net/http"
)

// MaxBodyBytes caps how much of a response body is buffered for parsing.
const MaxBodyBytes = 4 << 20

// ReadBody reads up to limit bytes of resp.Body and drains the rest so the
// connection can be reused. A non-positive limit uses MaxBodyBytes.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	defer resp.Body.Close()
	if limit <= 0 {
		limit = MaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return body, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return body, nil
}

// Discard drains and closes resp.Body.
func Discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
