package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Fetcher opens a byte stream for a source. Returned errors are
// *AcquisitionError.
type Fetcher interface {
	Open(ctx context.Context, src Source) (io.ReadCloser, error)
}

// FileFetcher reads packages from the local filesystem.
type FileFetcher struct{}

func (FileFetcher) Open(ctx context.Context, src Source) (io.ReadCloser, error) {
	f, err := os.Open(src.Location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, acqErr(NotFound, src, err)
		}
		return nil, acqErr(LocalStorage, src, err)
	}
	return f, nil
}

// HTTPFetcher downloads packages over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher whose requests are bounded by timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Open(ctx context.Context, src Source) (io.ReadCloser, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Location, nil)
	if err != nil {
		return nil, acqErr(NotFound, src, err)
	}

	slog.Debug("http_get_start", "url", src.Location)
	resp, err := client.Do(req)
	if err != nil {
		slog.Warn("http_get_failed", "url", src.Location, "error", err)
		return nil, acqErr(NetworkUnreachable, src, err)
	}

	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	resp.Body.Close()

	status := fmt.Errorf("server returned %s", resp.Status)
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, acqErr(NetworkUnreachable, src, status)
	default:
		return nil, acqErr(NotFound, src, status)
	}
}
