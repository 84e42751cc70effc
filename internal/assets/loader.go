package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AssetFetchError identifies the location that could not be retrieved.
type AssetFetchError struct {
	Index    int
	Location string
	Err      error
}

func (e *AssetFetchError) Error() string {
	return fmt.Sprintf("fetch asset %d (%s): %v", e.Index, e.Location, e.Err)
}

func (e *AssetFetchError) Unwrap() error { return e.Err }

// Loader resolves an ordered list of locations into byte buffers.
type Loader struct {
	fetcher Fetcher
	log     *slog.Logger
}

func NewLoader(fetcher Fetcher, log *slog.Logger) *Loader {
	return &Loader{fetcher: fetcher, log: log}
}

// Load fetches every location concurrently. All responses are opened before
// any body is read. The result preserves the input order. If any location
// fails the whole load fails and no buffers are returned.
func (l *Loader) Load(ctx context.Context, locations []string) ([][]byte, error) {
	start := time.Now()
	bodies := make([]io.ReadCloser, len(locations))
	defer func() {
		for _, body := range bodies {
			if body != nil {
				body.Close()
			}
		}
	}()

	// One group spans both phases so the request contexts stay live while
	// bodies are read. gctx is cancelled only when a location fails.
	buffers := make([][]byte, len(locations))
	var opened sync.WaitGroup
	opened.Add(len(locations))
	g, gctx := errgroup.WithContext(ctx)
	for i, location := range locations {
		g.Go(func() error {
			body, err := l.fetcher.Open(gctx, location)
			if err == nil {
				bodies[i] = body
			}
			opened.Done()
			if err != nil {
				return &AssetFetchError{Index: i, Location: location, Err: err}
			}

			opened.Wait()
			if err := gctx.Err(); err != nil {
				return &AssetFetchError{Index: i, Location: location, Err: err}
			}
			data, err := readAll(gctx, body)
			if err != nil {
				return &AssetFetchError{Index: i, Location: location, Err: err}
			}
			buffers[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if l.log != nil {
		var total int
		for _, b := range buffers {
			total += len(b)
		}
		l.log.Info("assets loaded",
			slog.Int("count", len(buffers)),
			slog.Int("bytes", total),
			slog.Duration("elapsed", time.Since(start)))
	}
	return buffers, nil
}

// ReadAll fetches a single location into memory.
func ReadAll(ctx context.Context, fetcher Fetcher, location string) ([]byte, error) {
	body, err := fetcher.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return readAll(ctx, body)
}

func readAll(ctx context.Context, r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return data, nil
}
