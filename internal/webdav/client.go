// Package webdav downloads the KOReader statistics database from a
// WebDAV-compatible share. Only a single authenticated file GET is needed,
// so the client is built directly on net/http.
package webdav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/drallgood/koreader-hardcover-sync/internal/logger"
)

// DefaultTimeout bounds a single snapshot download
const DefaultTimeout = 60 * time.Second

// TransferError indicates the snapshot could not be retrieved from the
// remote share. There is no silent fallback: a failed transfer aborts the
// whole pass.
type TransferError struct {
	URL string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to transfer snapshot from %s: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Config holds the WebDAV connection parameters
type Config struct {
	// URL is the base URL of the WebDAV share; https is assumed when no
	// scheme is given
	URL string
	// Username and Password authenticate every request
	Username string
	Password string
	// RemotePath is the path of the statistics database on the share
	RemotePath string
	// Timeout bounds the whole download (default: DefaultTimeout)
	Timeout time.Duration
}

// Client fetches the statistics database from a WebDAV share
type Client struct {
	baseURL    string
	username   string
	password   string
	remotePath string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a WebDAV client from the given configuration
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webdav URL is required")
	}
	if cfg.RemotePath == "" {
		return nil, fmt.Errorf("webdav remote path is required")
	}

	baseURL := cfg.URL
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid webdav URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if log == nil {
		log = logger.Get()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		remotePath: cfg.RemotePath,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With(map[string]interface{}{"component": "webdav"}),
	}, nil
}

// fileURL returns the full URL of the remote statistics database
func (c *Client) fileURL() string {
	return c.baseURL + "/" + strings.TrimLeft(path.Clean(c.remotePath), "/")
}

// Obtain downloads the statistics database into destDir and returns the
// local path. The file is written to a temporary name and renamed into
// place, so a partial download is never visible to the ingester.
func (c *Client) Obtain(ctx context.Context, destDir string) (string, error) {
	fileURL := c.fileURL()

	c.logger.Info("Fetching statistics database", map[string]interface{}{
		"url": fileURL,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", &TransferError{URL: fileURL, Err: err}
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransferError{URL: fileURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TransferError{
			URL: fileURL,
			Err: fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", &TransferError{URL: fileURL, Err: err}
	}

	tmp, err := os.CreateTemp(destDir, "statistics-*.sqlite3.tmp")
	if err != nil {
		return "", &TransferError{URL: fileURL, Err: err}
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", &TransferError{URL: fileURL, Err: err}
	}

	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return "", &TransferError{URL: fileURL, Err: err}
	}

	finalPath := filepath.Join(destDir, path.Base(c.remotePath))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", &TransferError{URL: fileURL, Err: err}
	}

	c.logger.Info("Statistics database downloaded", map[string]interface{}{
		"path":  finalPath,
		"bytes": written,
	})
	return finalPath, nil
}
