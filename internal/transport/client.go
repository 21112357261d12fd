// Package transport is the HTTP client shared by count reporting and image
// upload. Connections are pooled and a failed connection attempt is retried
// once before the error reaches the caller.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imagecount/photosync/internal/config"
)

// ErrConnect marks failures to establish a connection to the server, as
// opposed to application-level failures reported in a response.
var ErrConnect = errors.New("connection failed")

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	URL    string
	Code   int
	Status string
}

// Error returns the reason phrase of the response, without the code.
func (e *StatusError) Error() string {
	reason := strings.TrimSpace(strings.TrimPrefix(e.Status, strconv.Itoa(e.Code)))
	if reason == "" {
		reason = http.StatusText(e.Code)
	}
	return reason
}

// Client sends requests to the discovered server.
type Client struct {
	http   *http.Client
	logger *zap.SugaredLogger
}

// New creates a Client from the transport configuration.
func New(cfg config.TransportConfig, logger *zap.SugaredLogger) *Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		ExpectContinueTimeout: time.Second,
	}

	return NewWithTransport(base, logger)
}

// NewWithTransport wraps an arbitrary round tripper with the connect retry
// policy.
func NewWithTransport(rt http.RoundTripper, logger *zap.SugaredLogger) *Client {
	return &Client{
		http: &http.Client{
			Transport: &retryOnConnect{next: rt, logger: logger},
		},
		logger: logger,
	}
}

// PostJSON posts payload encoded as JSON and discards the response body.
func (c *Client) PostJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// UploadFile posts data as a single-part multipart form.
func (c *Client) UploadFile(ctx context.Context, url, field, filename, contentType string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write form part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	url := req.URL.String()

	resp, err := c.http.Do(req)
	if err != nil {
		if isConnectError(err) {
			return fmt.Errorf("%w: %v", ErrConnect, err)
		}
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debugw("Request rejected", "url", url, "status", resp.StatusCode)
		return &StatusError{URL: url, Code: resp.StatusCode, Status: resp.Status}
	}

	c.logger.Debugw("Request completed", "url", url, "status", resp.StatusCode)
	return nil
}
