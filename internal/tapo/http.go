package tapo

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// httpResponse is the uninterpreted result of a post: status, body bytes
// and headers, left for the caller (KLAP or AES engine) to decrypt/parse.
type httpResponse struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// postOptions carries the optional extras a post may need.
type postOptions struct {
	Query   url.Values
	Cookie  string
	Headers map[string]string
}

// httpTransport wraps the single http.Client a session engine uses for all
// of its handshake/login/request round-trips, selecting HTTP or HTTPS by
// port (443/4433 => HTTPS, cert verification disabled because devices use
// self-signed certificates).
type httpTransport struct {
	client *http.Client
}

func newHTTPTransport() *httpTransport {
	return &httpTransport{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // devices are self-signed
			},
		},
	}
}

// urlValuesToken builds the ?token=<t> query used once an AES session has
// logged in.
func urlValuesToken(token string) url.Values {
	return url.Values{"token": []string{token}}
}

func useHTTPS(port int) bool {
	return port == 443 || port == 4433
}

func buildURL(host string, port int, path string, query url.Values) string {
	scheme := "http"
	if useHTTPS(port) {
		scheme = "https"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   path,
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// post issues a single POST with an explicit timeout, content type and
// Connection: keep-alive, returning the raw status/body/headers without
// interpreting them. On timeout expiry it fails with ErrTimeout.
func (t *httpTransport) post(ctx context.Context, host string, port int, path string, body []byte, contentType string, timeout time.Duration, opts postOptions) (*httpResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqURL := buildURL(host, port, path, opts.Query)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("Connection", "keep-alive")
	if opts.Cookie != "" {
		req.Header.Set("Cookie", opts.Cookie)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response body: %v", ErrTransport, err)
	}

	return &httpResponse{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Header:     resp.Header,
	}, nil
}
