package invitations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/charlesng35/sentinel/pkg/errors"
)

const (
	acceptPath      = "/api/invitations/accept"
	checkPathPrefix = "/api/invitations/"
	maxResponseBody = 1 << 20
)

// HTTPClient talks to the invitation endpoints of a sentinel server. It implements both
// CodeChecker and RemoteAcceptor.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// NewHTTPClient builds a client for the server at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invitations: invalid base url: %w", err)
	}
	c := &HTTPClient{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CheckCode calls GET /api/invitations/{code}.
func (c *HTTPClient) CheckCode(ctx context.Context, code, callerEmail string) (*Details, error) {
	endpoint := c.baseURL + checkPathPrefix + url.PathEscape(code)
	if callerEmail != "" {
		endpoint += "?email=" + url.QueryEscape(callerEmail)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// AcceptInvitation calls POST /api/invitations/accept with the bearer token.
func (c *HTTPClient) AcceptInvitation(ctx context.Context, code, bearerToken string) (*Details, error) {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+acceptPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	return c.do(req)
}

func (c *HTTPClient) do(req *http.Request) (*Details, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.ErrBackendUnavailable.WithInternal(
			fmt.Errorf("invitations: decode response (status %d): %w", resp.StatusCode, err))
	}

	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		return nil, remoteError(resp.StatusCode, env)
	}

	var details Details
	if err := json.Unmarshal(env.Data, &details); err != nil {
		return nil, apperrors.ErrBackendUnavailable.WithInternal(err)
	}
	return &details, nil
}

// remoteError maps the error envelope back onto the well-known error for its code so
// callers can match it with errors.Is.
func remoteError(status int, env envelope) error {
	if env.Error == nil {
		return apperrors.ErrBackendUnavailable.WithInternal(fmt.Errorf("invitations: unexpected status %d", status))
	}
	if known := apperrors.FromCode(env.Error.Code); known != nil {
		return known
	}
	return &apperrors.AppError{
		Code:       env.Error.Code,
		Message:    env.Error.Message,
		StatusCode: status,
		Internal:   errors.New(env.Error.Message),
	}
}
