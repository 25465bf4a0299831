// Package peer talks to another rdcsync server over HTTP.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/logging"
	"github.com/rdcsync/rdcsync/signature"
	"go.uber.org/zap"
)

// ErrNotFound is wrapped by the TransportError of a 404 response.
var ErrNotFound = errors.New("not found on peer")

// TransportError reports an unreachable peer or an unexpected response.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is (or wraps) a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 200 * time.Millisecond

	maxErrorBody = 4 * 1024
)

// Client is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	client  *retryablehttp.Client
	logger  *zap.Logger
}

// A wrapper around zap.Logger to make it compatible with
// retryablehttp.LeveledLogger interface.
type retryableHttpLogger struct {
	inner *zap.Logger
}

func (r retryableHttpLogger) Error(format string, args ...any) {
	r.inner.Sugar().Errorw(format, args...)
}

func (r retryableHttpLogger) Info(format string, args ...any) {
	r.inner.Sugar().Infow(format, args...)
}

func (r retryableHttpLogger) Warn(format string, args ...any) {
	r.inner.Sugar().Warnw(format, args...)
}

func (r retryableHttpLogger) Debug(format string, args ...any) {
	r.inner.Sugar().Debugw(format, args...)
}

type ClientOpt func(*Client)

func WithHTTPClient(client *http.Client) ClientOpt {
	return func(c *Client) {
		c.client.HTTPClient = client
	}
}

func WithRetries(max int, delay time.Duration) ClientOpt {
	return func(c *Client) {
		c.client.RetryMax = max
		c.client.RetryWaitMin = delay
		c.client.RetryWaitMax = 2 * delay
	}
}

func WithLogger(logger *zap.Logger) ClientOpt {
	return func(c *Client) {
		c.logger = logger
		c.client.Logger = &retryableHttpLogger{inner: logger}
		c.client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
			c.logger.Debug(
				"response received",
				zap.Stringer("url", resp.Request.URL),
				zap.Int("status", resp.StatusCode),
			)
		}
	}
}

// NewClient returns a client for the server at baseURL. Idempotent requests
// are retried on connection errors and 5xx responses.
func NewClient(baseURL string, opts ...ClientOpt) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing peer address")
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}

	c := &Client{
		baseURL: parsed,
		client: &retryablehttp.Client{
			HTTPClient:   retryablehttp.NewClient().HTTPClient,
			RetryMax:     DefaultMaxRetries,
			RetryWaitMin: DefaultRetryDelay,
			RetryWaitMax: 2 * DefaultRetryDelay,
			Backoff:      retryablehttp.LinearJitterBackoff,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
		logger: zap.NewNop(),
	}
	c.client.Logger = &retryableHttpLogger{inner: c.logger}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// URL builds the address of an endpoint. Extra path elements are escaped.
func (c *Client) URL(query url.Values, elem ...string) string {
	u := c.baseURL.JoinPath(elem...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) fail(op, urlStr string, res *http.Response) error {
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))

	te := &TransportError{
		Op:         op,
		URL:        urlStr,
		StatusCode: res.StatusCode,
		Err:        errors.Errorf("%s", string(body)),
	}
	if res.StatusCode == http.StatusNotFound {
		te.Err = errors.Wrap(ErrNotFound, string(body))
	}
	return te
}

// Get issues a retried GET and fails with a TransportError on anything but
// a 2xx response. The caller closes the body.
func (c *Client) Get(ctx context.Context, op, urlStr string, header http.Header) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	logging.ForwardRequestID(ctx, req.Header)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, URL: urlStr, Err: err}
	}
	if res.StatusCode/100 != 2 {
		return nil, c.fail(op, urlStr, res)
	}
	return res, nil
}

// GetJSON decodes the response of a GET into v.
func (c *Client) GetJSON(ctx context.Context, op, urlStr string, v interface{}) error {
	res, err := c.Get(ctx, op, urlStr, nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	err = json.NewDecoder(res.Body).Decode(v)
	if err != nil {
		return &TransportError{Op: op, URL: urlStr, StatusCode: res.StatusCode, Err: errors.Wrap(err, "decoding response")}
	}
	return nil
}

// Send issues a request once, without retries: streamed bodies can't be
// replayed. Non-2xx responses are a TransportError.
func (c *Client) Send(ctx context.Context, op, method, urlStr string, header http.Header, body io.Reader, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return errors.WithStack(err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	logging.ForwardRequestID(ctx, req.Header)

	res, err := c.client.HTTPClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, URL: urlStr, Err: err}
	}
	if res.StatusCode/100 != 2 {
		return c.fail(op, urlStr, res)
	}
	defer res.Body.Close()

	if v == nil {
		return nil
	}
	err = json.NewDecoder(res.Body).Decode(v)
	if err != nil {
		return &TransportError{Op: op, URL: urlStr, StatusCode: res.StatusCode, Err: errors.Wrap(err, "decoding response")}
	}
	return nil
}

// Manifest returns the peer's signature manifest for fileName, generating
// signatures on its side if needed.
func (c *Client) Manifest(ctx context.Context, fileName string) (*signature.Manifest, error) {
	m := &signature.Manifest{}
	err := c.GetJSON(ctx, "fetching manifest", c.URL(nil, "rdc", "manifest", fileName), m)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Signature streams one level of the peer's cascade for fileName. A
// negative level asks for the finest one. The blob travels brotli
// compressed when the peer supports it; the returned reader yields it
// decoded.
func (c *Client) Signature(ctx context.Context, fileName string, level int) (io.ReadCloser, error) {
	var query url.Values
	if level >= 0 {
		query = url.Values{"level": []string{strconv.Itoa(level)}}
	}

	header := http.Header{"Accept-Encoding": []string{signature.TransportEncoding}}
	res, err := c.Get(ctx, "fetching signature", c.URL(query, "rdc", "signatures", fileName), header)
	if err != nil {
		return nil, err
	}

	switch encoding := res.Header.Get("Content-Encoding"); encoding {
	case "", "identity":
		return res.Body, nil
	case signature.TransportEncoding:
		r, err := signature.UncompressStream(res.Body, signature.CompressionDefault())
		if err != nil {
			res.Body.Close()
			return nil, err
		}
		return readCloser{Reader: r, Closer: res.Body}, nil
	default:
		res.Body.Close()
		return nil, &TransportError{Op: "fetching signature", URL: res.Request.URL.String(), StatusCode: res.StatusCode,
			Err: errors.Errorf("unsupported content encoding %q", encoding)}
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Metadata returns the metadata of the peer's copy of fileName.
func (c *Client) Metadata(ctx context.Context, fileName string) (map[string]string, error) {
	md := make(map[string]string)
	err := c.GetJSON(ctx, "fetching metadata", c.URL(nil, "metadata", fileName), &md)
	if err != nil {
		return nil, err
	}
	return md, nil
}

// OpenFile streams the peer's whole copy of fileName.
func (c *Client) OpenFile(ctx context.Context, fileName string) (io.ReadCloser, int64, error) {
	res, err := c.Get(ctx, "downloading file", c.URL(nil, "files", fileName), nil)
	if err != nil {
		return nil, 0, err
	}
	return res.Body, res.ContentLength, nil
}

// OpenRange streams length bytes of the peer's copy of fileName starting at
// from. The reader may yield fewer bytes if the peer's file is shorter.
func (c *Client) OpenRange(ctx context.Context, fileName string, from, length int64) (io.ReadCloser, error) {
	urlStr := c.URL(nil, "files", fileName)
	header := http.Header{}
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, from+length-1))

	res, err := c.Get(ctx, "fetching range", urlStr, header)
	if err != nil {
		return nil, err
	}

	switch {
	case res.StatusCode == http.StatusPartialContent:
		return res.Body, nil
	case res.StatusCode == http.StatusOK && from == 0:
		return &limitedBody{Reader: io.LimitReader(res.Body, length), body: res.Body}, nil
	default:
		res.Body.Close()
		return nil, &TransportError{
			Op:         "fetching range",
			URL:        urlStr,
			StatusCode: res.StatusCode,
			Err:        errors.New("HTTP Range header not supported by peer"),
		}
	}
}

type limitedBody struct {
	io.Reader
	body io.Closer
}

func (lb *limitedBody) Close() error {
	return lb.body.Close()
}
