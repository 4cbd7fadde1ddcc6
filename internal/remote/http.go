package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/syncerr"
)

// DefaultTimeout bounds a single remote call.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// HTTPClient is a Client speaking JSON over HTTP.
//
// HTTPClient instances are safe for concurrent use by multiple goroutines.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	deviceID   string
	secret     []byte
	clock      ledger.Clock
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithDeviceAuth signs every request with a per-request HS256 bearer token.
func WithDeviceAuth(deviceID string, secret []byte) HTTPOption {
	return func(c *HTTPClient) {
		c.deviceID = deviceID
		c.secret = secret
	}
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout. Default: DefaultTimeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = d
	}
}

// WithClientClock sets the clock used to stamp device tokens.
func WithClientClock(clock ledger.Clock) HTTPOption {
	return func(c *HTTPClient) {
		c.clock = clock
	}
}

// NewHTTPClient creates a client for the service at baseURL
// (e.g. "http://localhost:8787", no trailing slash).
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		clock:      ledger.SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push implements Client.
func (c *HTTPClient) Push(ctx context.Context, rec ledger.Record) (Ack, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/records", toWire(rec))
	if err != nil {
		return Ack{}, classifyTransport("push", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("push", resp); err != nil {
		return Ack{}, err
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return Ack{}, syncerr.Transient("push", fmt.Errorf("decode ack: %w", err))
	}
	if ack.ServerID == "" {
		return Ack{}, syncerr.Permanent("push", "ack without serverId")
	}
	ack.LastModified = ack.LastModified.UTC()
	return ack, nil
}

// Pull implements Client.
func (c *HTTPClient) Pull(ctx context.Context, serverID string) (ledger.Record, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/records/"+url.PathEscape(serverID), nil)
	if err != nil {
		return ledger.Record{}, classifyTransport("pull", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("pull", resp); err != nil {
		return ledger.Record{}, err
	}

	var w wireRecord
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return ledger.Record{}, syncerr.Transient("pull", fmt.Errorf("decode record: %w", err))
	}
	return w.record(), nil
}

// Health reports whether the service answers /healthz.
func (c *HTTPClient) Health(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return classifyTransport("health", err)
	}
	defer resp.Body.Close()
	return checkStatus("health", resp)
}

// doRequest performs an HTTP request with proper headers
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if len(c.secret) > 0 {
		token, err := SignDeviceToken(c.deviceID, c.secret, c.clock.Now())
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.httpClient.Do(req)
}

// checkStatus maps a non-2xx response onto the error taxonomy.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	msg := fmt.Sprintf("status %d: %s", resp.StatusCode, body.Error)

	var se *syncerr.Error
	switch code := resp.StatusCode; {
	case code == http.StatusConflict:
		var server *ledger.Record
		if body.Server != nil {
			rec := body.Server.record()
			server = &rec
		}
		se = syncerr.Conflict(op, server)
	case code == http.StatusNotFound:
		se = syncerr.NotFound(op, msg)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		se = syncerr.Validation(op, errors.New(msg))
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		se = syncerr.Transient(op, errors.New(msg))
	default:
		se = syncerr.Permanent(op, msg)
	}
	se.StatusCode = resp.StatusCode
	return se
}

// classifyTransport maps a failed round trip onto the error taxonomy.
// Name resolution failures and refused or unroutable dials mean the network
// is down and abort the cycle; everything else, timeouts included, is a
// plain transient failure.
func classifyTransport(op string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return syncerr.Unreachable(op, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return syncerr.Unreachable(op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return syncerr.Unreachable(op, err)
	}
	return syncerr.Transient(op, err)
}
