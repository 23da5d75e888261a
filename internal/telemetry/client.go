package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrNotFound = errors.New("telemetry resource not found")

// Client reads JSON documents from the host telemetry REST endpoint.
type Client interface {
	Get(ctx context.Context, path string, query url.Values) ([]byte, error)
}

type RESTClient struct {
	BaseURL    string
	HTTP       *http.Client
	MaxRetries uint64
	RetryDelay time.Duration
}

func NewRESTClient(baseURL string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RESTClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       &http.Client{Timeout: timeout},
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
	}
}

type statusError struct {
	code int
	path string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.path, e.code)
}

func (c *RESTClient) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, path))
		case resp.StatusCode >= 500:
			return &statusError{code: resp.StatusCode, path: path}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&statusError{code: resp.StatusCode, path: path})
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = data
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.RetryDelay
	policy.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.MaxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return body, nil
}
