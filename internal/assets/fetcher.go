package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Fetcher opens a location for reading. Implementations must honour ctx.
type Fetcher interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, location string) (io.ReadCloser, error)

func (f FetcherFunc) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	return f(ctx, location)
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Location string
	Status   string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %s", e.Location, e.Status)
}

type FetcherOptions struct {
	// BaseDir resolves relative bundled paths.
	BaseDir string
	Client  *http.Client
	Blobs   *BlobRegistry
	// UserAgent is sent on remote requests when set.
	UserAgent string
}

type fetcher struct {
	baseDir   string
	client    *http.Client
	blobs     *BlobRegistry
	userAgent string
}

// NewFetcher returns a Fetcher resolving http(s) URLs, blob locators and
// bundled file paths.
func NewFetcher(opts FetcherOptions) Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &fetcher{
		baseDir:   opts.BaseDir,
		client:    client,
		blobs:     opts.Blobs,
		userAgent: opts.UserAgent,
	}
}

func (f *fetcher) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("empty location")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return f.openRemote(ctx, location)
	case strings.HasPrefix(location, BlobScheme):
		if f.blobs == nil {
			return nil, fmt.Errorf("blob locators not supported")
		}
		data, err := f.blobs.Get(location)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	default:
		return f.openBundled(location)
	}
}

// IsAudioLocator reports whether location may name user audio: a remote URL
// or a blob locator. Bundled paths are reserved for model assets.
func IsAudioLocator(location string) bool {
	return strings.HasPrefix(location, "http://") ||
		strings.HasPrefix(location, "https://") ||
		strings.HasPrefix(location, BlobScheme)
}

func (f *fetcher) openRemote(ctx context.Context, location string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{Location: location, Status: resp.Status, Code: resp.StatusCode}
	}
	return resp.Body, nil
}

func (f *fetcher) openBundled(location string) (io.ReadCloser, error) {
	path := strings.TrimPrefix(location, "file://")
	if !filepath.IsAbs(path) && f.baseDir != "" {
		path = filepath.Join(f.baseDir, path)
	}
	return os.Open(path)
}
