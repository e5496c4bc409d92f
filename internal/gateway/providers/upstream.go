package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// maxErrorBody bounds how much of an upstream error body is kept
const maxErrorBody = 64 << 10

// ErrorKind classifies upstream failures
type ErrorKind int

const (
	// KindConnection: the request never got a response
	KindConnection ErrorKind = iota
	// KindStatus: the provider answered with a non-2xx status
	KindStatus
	// KindParse: the provider's 2xx body could not be understood
	KindParse
)

// UpstreamError describes a failed provider call
type UpstreamError struct {
	Provider   Name
	Kind       ErrorKind
	StatusCode int
	Body       []byte
	Err        error
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, string(e.Body))
	case KindParse:
		return fmt.Sprintf("%s response parse error: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s connection error: %v", e.Provider, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Client sends requests to upstream providers. It sets no overall request
// timeout so long streams are not cut off; only the wait for response
// headers is bounded. Cancellation follows the request context.
type Client struct {
	http *http.Client
}

// NewClient returns a Client waiting at most headerTimeout for response headers
func NewClient(headerTimeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{http: &http.Client{Transport: transport}}
}

// Open sends req to provider p and returns the response on a 2xx status.
// The caller must close the body.
func (c *Client) Open(ctx context.Context, p Provider, req *ChatRequest, apiKey string) (*http.Response, error) {
	httpReq, err := p.NewRequest(ctx, req, apiKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Provider: p.Name(), Kind: KindConnection, Err: redactURL(err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{
			Provider:   p.Name(),
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return resp, nil
}

// Complete performs a non-streaming call and converts the response
func (c *Client) Complete(ctx context.Context, p Provider, req *ChatRequest, apiKey string) (*ChatResponse, int, error) {
	resp, err := c.Open(ctx, p, req, apiKey)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &UpstreamError{Provider: p.Name(), Kind: KindConnection, Err: err}
	}

	out, err := p.FromNative(body, req.Model)
	if err != nil {
		return nil, resp.StatusCode, &UpstreamError{Provider: p.Name(), Kind: KindParse, StatusCode: resp.StatusCode, Err: err}
	}
	return out, resp.StatusCode, nil
}

func newJSONRequest(ctx context.Context, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// redactURL drops the query string from a transport error so credentials
// passed as query parameters are never logged or stored.
func redactURL(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	u, perr := url.Parse(ue.URL)
	if perr != nil {
		return &url.Error{Op: ue.Op, URL: "<redacted>", Err: ue.Err}
	}
	u.RawQuery = ""
	u.User = nil
	return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
}
