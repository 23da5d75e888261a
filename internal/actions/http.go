package actions

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPRequest is an outbound call. JSON, when set, is encoded as the body.
// Proxies maps a URL scheme to a proxy URL. Verify false skips TLS
// certificate verification.
type HTTPRequest struct {
	Method      string
	URL         string
	Headers     map[string]string
	JSON        any
	Body        []byte
	Proxies     map[string]string
	Verify      *bool
	Username    string
	Password    string
	BearerToken string
}

type HTTPResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *HTTPResponse) DecodeJSON(v any) error { return json.Unmarshal(r.Body, v) }

const maxResponseBytes = 4 << 20

// HTTP performs an outbound request. Responses with status 400 or above are
// returned along with an error.
func (b *Bus) HTTP(ctx context.Context, r HTTPRequest) (*HTTPResponse, error) {
	if b.Destroyed() {
		return nil, ErrDestroyed
	}
	resp, err := b.doHTTP(ctx, r)
	return resp, b.done(KindHTTP, err)
}

func (b *Bus) doHTTP(ctx context.Context, r HTTPRequest) (*HTTPResponse, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
		if r.JSON != nil || r.Body != nil {
			method = http.MethodPost
		}
	}
	body := r.Body
	if r.JSON != nil {
		data, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body = data
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if r.JSON != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case r.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+r.BearerToken)
	case r.Username != "":
		req.SetBasicAuth(r.Username, r.Password)
	}
	client, err := b.httpClient(r)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	out := &HTTPResponse{Status: resp.StatusCode, Header: resp.Header, Body: data}
	if resp.StatusCode >= 400 {
		return out, fmt.Errorf("%s %s: status %d", method, r.URL, resp.StatusCode)
	}
	return out, nil
}

// httpClient returns the shared client unless the request needs its own
// proxy or TLS settings.
func (b *Bus) httpClient(r HTTPRequest) (*http.Client, error) {
	insecure := r.Verify != nil && !*r.Verify
	if len(r.Proxies) == 0 && !insecure {
		return b.exec.HTTP, nil
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // requested by the agent
	}
	if len(r.Proxies) > 0 {
		proxies := map[string]*url.URL{}
		for scheme, raw := range r.Proxies {
			u, err := url.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("proxy %s: %w", scheme, err)
			}
			proxies[strings.ToLower(scheme)] = u
		}
		transport.Proxy = func(req *http.Request) (*url.URL, error) {
			return proxies[req.URL.Scheme], nil
		}
	}
	return &http.Client{Timeout: b.exec.HTTP.Timeout, Transport: transport}, nil
}
