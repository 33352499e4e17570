// Package artifact downloads finished audio from the engine's temporary URLs.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const defaultTimeout = 2 * time.Minute

var (
	// ErrEmptyURL indicates a download was requested without a URL.
	ErrEmptyURL = errors.New("download url cannot be empty")
	// ErrBadStatus indicates a non-2xx download response.
	ErrBadStatus = errors.New("unexpected download status")
	// ErrEmptyBody indicates the download produced no bytes.
	ErrEmptyBody = errors.New("downloaded artifact is empty")
)

// Fetcher downloads artifacts into a scratch directory.
type Fetcher struct {
	httpClient *http.Client
	tempDir    string
}

// NewFetcher creates a fetcher writing under tempDir (os.TempDir when empty).
func NewFetcher(tempDir string, timeout time.Duration) *Fetcher {
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Fetcher{httpClient: &http.Client{Timeout: timeout}, tempDir: tempDir}
}

// TempDir returns the scratch directory.
func (f *Fetcher) TempDir() string {
	return f.tempDir
}

// FetchToFile downloads url into tempDir/name and returns the file path. On error no
// file is left behind.
func (f *Fetcher) FetchToFile(ctx context.Context, url, name string) (string, error) {
	body, err := f.open(ctx, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	mkdirErr := os.MkdirAll(f.tempDir, 0o755)
	if mkdirErr != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", mkdirErr)
	}

	path := filepath.Join(f.tempDir, filepath.Base(name))

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}

	written, copyErr := io.Copy(file, body)
	closeErr := file.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("failed to write %s: %w", path, copyErr)
	case closeErr != nil:
		err = fmt.Errorf("failed to close %s: %w", path, closeErr)
	case written == 0:
		err = ErrEmptyBody
	}

	if err != nil {
		_ = os.Remove(path)

		return "", err
	}

	return path, nil
}

// Fetch downloads url into memory.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := f.open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}

	if len(data) == 0 {
		return nil, ErrEmptyBody
	}

	return data, nil
}

// Remove deletes a file produced by FetchToFile. A missing file is not an error.
func (f *Fetcher) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

func (f *Fetcher) open(ctx context.Context, url string) (io.ReadCloser, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()

		return nil, fmt.Errorf("%w: %s from %s", ErrBadStatus, resp.Status, url)
	}

	return resp.Body, nil
}
