// Package remote provides a client for the design-management API whose
// catalog elevsync mirrors.
//
// The API is call-ordered: select calls move a server-side cursor that later
// listing calls depend on. The client itself is stateless; callers pass the
// bearer token on every call and own the navigation state (see package
// session).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const apiPrefix = "/api/v3"

// Client is an HTTP client for the remote API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP client timeout. This bounds a whole call
// including the body read; per-call deadlines from the caller's context still
// apply.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRateLimit throttles outbound calls process-wide. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a new remote API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   2 * time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate exchanges credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context, username, password string) (string, error) {
	var resp authResponse
	err := c.doJSON(ctx, "authenticate", http.MethodPost, "/auth", "", authRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &APIError{Op: "authenticate", StatusCode: http.StatusOK, Message: "response carried no token"}
	}
	return resp.Token, nil
}

// Logout invalidates the token server-side.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.doJSON(ctx, "logout", http.MethodDelete, "/auth", token, nil, nil)
}

// ListFolders lists the folders beneath the current selection (top-level
// folders when nothing is selected).
func (c *Client) ListFolders(ctx context.Context, token string) ([]FolderItem, error) {
	var resp listResponse[FolderItem]
	if err := c.doJSON(ctx, "list-folders", http.MethodGet, "/directories", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SelectFolder moves the server-side cursor to the folder at path. The API
// only supports absolute selection; there is no "go up one level".
func (c *Client) SelectFolder(ctx context.Context, token, path string) error {
	return c.doJSON(ctx, "select-folder", http.MethodPost, "/directories/select", token, selectRequest{Identifier: path}, nil)
}

// ListProjects lists the projects of the selected folder.
func (c *Client) ListProjects(ctx context.Context, token string) ([]ProjectItem, error) {
	var resp listResponse[ProjectItem]
	if err := c.doJSON(ctx, "list-projects", http.MethodGet, "/projects", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SelectProject selects a project of the selected folder.
func (c *Client) SelectProject(ctx context.Context, token, id string) error {
	return c.doJSON(ctx, "select-project", http.MethodPost, "/projects/select", token, selectRequest{Identifier: id}, nil)
}

// ListPhases lists the phases of the selected project.
func (c *Client) ListPhases(ctx context.Context, token string) ([]PhaseItem, error) {
	var resp listResponse[PhaseItem]
	if err := c.doJSON(ctx, "list-phases", http.MethodGet, "/phases", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SelectPhase selects a phase of the selected project.
func (c *Client) SelectPhase(ctx context.Context, token, id string) error {
	return c.doJSON(ctx, "select-phase", http.MethodPost, "/phases/select", token, selectRequest{Identifier: id}, nil)
}

// ListElevations lists the elevations of the selected phase.
func (c *Client) ListElevations(ctx context.Context, token string) ([]ElevationItem, error) {
	var resp listResponse[ElevationItem]
	if err := c.doJSON(ctx, "list-elevations", http.MethodGet, "/elevations", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// PartsList streams the parts-list artifact of an elevation in the selected
// phase into w and returns the number of bytes written.
func (c *Client) PartsList(ctx context.Context, token, elevationID string, w io.Writer) (int64, error) {
	path := "/elevations/" + url.PathEscape(elevationID) + "/parts-list"
	resp, err := c.do(ctx, "parts-list", http.MethodGet, path, token, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &ConnectionError{Op: "parts-list", Err: err}
	}
	return n, nil
}

// Thumbnail fetches the thumbnail image of an elevation in the selected phase.
func (c *Client) Thumbnail(ctx context.Context, token, elevationID string) ([]byte, string, error) {
	path := "/elevations/" + url.PathEscape(elevationID) + "/thumbnail"
	resp, err := c.do(ctx, "thumbnail", http.MethodGet, path, token, nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &ConnectionError{Op: "thumbnail", Err: err}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// doJSON performs a request with an optional JSON body and decodes the JSON
// response into respBody when it is non-nil.
func (c *Client) doJSON(ctx context.Context, op, method, path, token string, reqBody, respBody interface{}) error {
	resp, err := c.do(ctx, op, method, path, token, reqBody)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectionError{Op: op, Err: err}
	}
	if respBody == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("remote %s: failed to parse response: %w", op, err)
	}
	return nil
}

// do sends one request and classifies the outcome. On success the caller
// owns resp.Body, already wrapped for zstd if the server compressed it.
func (c *Client) do(ctx context.Context, op, method, path, token string, reqBody interface{}) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &ConnectionError{Op: op, Err: err}
		}
	}

	var bodyReader io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("remote %s: failed to marshal request: %w", op, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("remote %s: failed to create request: %w", op, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept-Encoding", "zstd")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: op, Err: err}
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("remote %s: %w: %s", op, ErrUnauthorized, strings.TrimSpace(string(body)))
		}
		return nil, newAPIError(op, resp.StatusCode, body)
	}

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "zstd") {
		decoder, err := zstd.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("remote %s: failed to create zstd decoder: %w", op, err)
		}
		resp.Body = &zstdBody{decoder: decoder, raw: resp.Body}
		resp.Header.Del("Content-Encoding")
	}
	return resp, nil
}

func newAPIError(op string, status int, body []byte) *APIError {
	apiErr := &APIError{Op: op, StatusCode: status}
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Message = parsed.Message
		if apiErr.Message == "" {
			apiErr.Message = parsed.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// zstdBody closes both the decoder and the raw response body.
type zstdBody struct {
	decoder *zstd.Decoder
	raw     io.ReadCloser
}

func (b *zstdBody) Read(p []byte) (int, error) {
	return b.decoder.Read(p)
}

func (b *zstdBody) Close() error {
	b.decoder.Close()
	return b.raw.Close()
}
