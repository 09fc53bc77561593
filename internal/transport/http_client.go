package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/chatvault/internal/config"
	"github.com/TheMichaelB/chatvault/internal/events"
	"github.com/TheMichaelB/chatvault/internal/models"
)

const apiPrefix = "/api/v1"

// HTTPClient implements RemoteAPI over the JSON REST API.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	tokens    TokenSource
	logger    *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates an HTTP client.
func NewHTTPClient(cfg *config.APIConfig, tokens TokenSource, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		tokens:     tokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		logger:     logger.WithField("component", "http_client"),
	}
}

// SetRetryDelay overrides the initial backoff between read retries.
func (c *HTTPClient) SetRetryDelay(d time.Duration) {
	c.retryDelay = d
}

// BaseURL returns the API root.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

type idResponse struct {
	ID string `json:"id"`
}

type deletedResponse struct {
	Deleted []models.Tombstone `json:"deleted"`
}

type credentialsBody struct {
	Credentials []models.PasskeyCredentialEntry `json:"credentials"`
}

// CreateID asks the server for a fresh record id.
func (c *HTTPClient) CreateID(ctx context.Context) (string, error) {
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/records/id", nil, struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create id: empty id in response")
	}
	return resp.ID, nil
}

// UploadRecord stores an encrypted record and returns the server's view of it.
func (c *HTTPClient) UploadRecord(ctx context.Context, record models.RemoteRecord) (*models.RemoteRecord, error) {
	var stored models.RemoteRecord
	path := "/records/" + url.PathEscape(record.ID)
	if err := c.do(ctx, http.MethodPut, path, nil, record, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetRecord fetches one record with content.
func (c *HTTPClient) GetRecord(ctx context.Context, id string) (*models.RemoteRecord, error) {
	var rec models.RemoteRecord
	if err := c.do(ctx, http.MethodGet, "/records/"+url.PathEscape(id), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords fetches one page of records.
func (c *HTTPClient) ListRecords(ctx context.Context, opts models.ListOptions) (*models.RecordPage, error) {
	q := url.Values{}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.WithContent {
		q.Set("content", "true")
	}
	if opts.ChangedSince != nil {
		q.Set("since", opts.ChangedSince.UTC().Format(time.RFC3339Nano))
	}
	if opts.ProjectID != "" {
		q.Set("project", opts.ProjectID)
	}

	var page models.RecordPage
	if err := c.do(ctx, http.MethodGet, "/records", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DeleteRecord removes a record remotely.
func (c *HTTPClient) DeleteRecord(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/records/"+url.PathEscape(id), nil, nil, nil)
}

// SyncStatus fetches the delta-sync checkpoint.
func (c *HTTPClient) SyncStatus(ctx context.Context, projectID string) (*models.SyncStatus, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project", projectID)
	}
	var status models.SyncStatus
	if err := c.do(ctx, http.MethodGet, "/sync/status", q, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// DeletedSince lists record ids deleted after since.
func (c *HTTPClient) DeletedSince(ctx context.Context, since time.Time) ([]models.Tombstone, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	var resp deletedResponse
	if err := c.do(ctx, http.MethodGet, "/sync/deleted", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deleted, nil
}

// GetCredentials fetches the full passkey credential array.
func (c *HTTPClient) GetCredentials(ctx context.Context) ([]models.PasskeyCredentialEntry, error) {
	var body credentialsBody
	if err := c.do(ctx, http.MethodGet, "/passkeys", nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Credentials, nil
}

// PutCredentials replaces the passkey credential array.
func (c *HTTPClient) PutCredentials(ctx context.Context, entries []models.PasskeyCredentialEntry) error {
	if entries == nil {
		entries = []models.PasskeyCredentialEntry{}
	}
	return c.do(ctx, http.MethodPut, "/passkeys", nil, credentialsBody{Credentials: entries}, nil)
}

// do sends one API request. Only GETs are retried; writes are retried by
// the caller's own upload loop.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, payload, out interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"url":    endpoint,
		"size":   len(body),
	}).Debug("Sending request")

	var respBody []byte
	attempt := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s %s: %v", models.ErrNetwork, method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read response: %v", models.ErrNetwork, err)
		}

		c.logger.WithFields(map[string]interface{}{
			"status": resp.StatusCode,
			"size":   len(data),
		}).Debug("Received response")

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return apiError(resp.StatusCode, data)
		}

		respBody = data
		return nil
	}

	if method == http.MethodGet {
		err = c.retry(ctx, attempt)
	} else {
		err = attempt()
	}
	if err != nil {
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func apiError(status int, body []byte) error {
	apiErr := &models.APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
		if len(body) > 0 && len(body) < 512 {
			apiErr.Message = string(bytes.TrimSpace(body))
		}
	}
	apiErr.StatusCode = status
	if apiErr.Code == "" {
		apiErr.Code = models.ErrorCode(apiErr)
	}
	return apiErr
}

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}

// isRetryableError checks if an error is retryable.
func (c *HTTPClient) isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return c.isRetryable(apiErr.StatusCode)
	}
	return true
}
