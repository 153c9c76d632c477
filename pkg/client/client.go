package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tendant/imgpixel/pkg/pipeline"
)

// ErrUnexpectedStatus is wrapped by every StatusError
var ErrUnexpectedStatus = errors.New("unexpected status")

// StatusError is returned when the remote service answers with a non-2xx status
type StatusError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Detail)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Client is an HTTP client for the background-removal service
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client. Removal runs model inference remotely, so the
// default timeout is generous.
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{
		Timeout: 120 * time.Second,
	})
}

// NewWithHTTPClient creates a new client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the configured service root
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RemoveBackground uploads raw image bytes and returns the master artifact identifier
func (c *Client) RemoveBackground(ctx context.Context, fileName string, data []byte) (string, error) {
	body, contentType, err := buildForm(func(mw *multipart.Writer) error {
		part, err := mw.CreateFormFile(pipeline.FieldFile, fileName)
		if err != nil {
			return err
		}
		_, err = part.Write(data)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	var result pipeline.RemoveBackgroundResponse
	if err := c.postForm(ctx, "remove background", pipeline.PathRemoveBackground, body, contentType, &result); err != nil {
		return "", err
	}
	if result.MasterFile == "" {
		return "", errors.New("remove background: no master_file in response")
	}
	return result.MasterFile, nil
}

// PrepareDownload asks the service to render the master artifact with the given
// options and returns the downloadable file identifier
func (c *Client) PrepareDownload(ctx context.Context, masterFile string, opts pipeline.ExportOptions) (string, error) {
	body, contentType, err := buildForm(func(mw *multipart.Writer) error {
		fields := [][2]string{
			{pipeline.FieldMasterFile, masterFile},
			{pipeline.FieldResolution, string(opts.Resolution)},
			{pipeline.FieldFormat, string(opts.Format)},
		}
		for _, f := range fields {
			if err := mw.WriteField(f[0], f[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to build form: %w", err)
	}

	var result pipeline.PrepareDownloadResponse
	if err := c.postForm(ctx, "prepare download", pipeline.PathPrepareDownload, body, contentType, &result); err != nil {
		return "", err
	}
	if result.OutputFile == "" {
		return "", errors.New("prepare download: no output_file in response")
	}
	return result.OutputFile, nil
}

// DownloadURL returns the URL serving the file with the given identifier
func (c *Client) DownloadURL(id string) string {
	return c.baseURL + pipeline.PathDownload + url.PathEscape(id)
}

// Download fetches a file by identifier. The caller must close the returned reader.
func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.DownloadURL(id), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, "", statusError("download", resp)
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// Cleanup deletes a file from the service. It reports whether the file existed.
func (c *Client) Cleanup(ctx context.Context, id string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, c.baseURL+pipeline.PathCleanup+url.PathEscape(id), nil)
	if err != nil {
		return false, err
	}

	var result pipeline.CleanupResponse
	if err := c.do(req, "cleanup", &result); err != nil {
		return false, err
	}
	return result.Success, nil
}

// Health queries the service health endpoint
func (c *Client) Health(ctx context.Context) (*pipeline.HealthStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+pipeline.PathHealth, nil)
	if err != nil {
		return nil, err
	}

	var status pipeline.HealthStatus
	if err := c.do(req, "health", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) postForm(ctx context.Context, op, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req, op, out)
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("request_id", req.Header.Get("X-Request-ID")).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("remote call finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(bodyBytes))

	var errResp pipeline.ErrorResponse
	if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Detail != "" {
		detail = errResp.Detail
	}

	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Detail:     detail,
	}
}

func buildForm(fill func(mw *multipart.Writer) error) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := fill(mw); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
