package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// RemoteClient defines the contract for communicating with a tally-server.
type RemoteClient interface {
	ApplyBatch(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	ListRecords(ctx context.Context, table string) ([]map[string]any, error)
	Ping(ctx context.Context) error
}

// HTTPClient implements RemoteClient over HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates an HTTP-based remote client.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{},
	}
}

func (c *HTTPClient) apiURL(path string) string {
	return fmt.Sprintf("%s/api/v1%s", c.baseURL, path)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, reqBody, respBody interface{}) error {
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}

	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, url, body, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// ApplyBatch submits queued mutations for transactional application.
func (c *HTTPClient) ApplyBatch(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error) {
	var resp ApplyResponse
	if err := c.doJSON(ctx, "POST", c.apiURL("/sync"), req, &resp); err != nil {
		return nil, fmt.Errorf("apply batch: %w", err)
	}
	return &resp, nil
}

// ListRecords fetches the tenant's rows for one table.
func (c *HTTPClient) ListRecords(ctx context.Context, table string) ([]map[string]any, error) {
	var resp RecordsResponse
	if err := c.doJSON(ctx, "GET", c.apiURL("/records/"+table), nil, &resp); err != nil {
		return nil, fmt.Errorf("list records for %s: %w", table, err)
	}
	return resp.Records, nil
}

// Ping probes server reachability. Used as the connectivity signal.
func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "GET", c.baseURL+"/healthz", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	return nil
}

// RemoteError represents a structured error from the server.
type RemoteError struct {
	Code    string
	Message string
	Status  int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s — %s", e.Status, e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return &RemoteError{
			Code:    "unknown",
			Message: fmt.Sprintf("HTTP %d", resp.StatusCode),
			Status:  resp.StatusCode,
		}
	}

	return &RemoteError{
		Code:    errResp.Error,
		Message: errResp.Message,
		Status:  resp.StatusCode,
	}
}
