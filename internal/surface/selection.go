package surface

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/loqalabs/loqa-transcribe/internal/assets"
)

// Origin tells where an audio source came from.
type Origin string

const (
	OriginLocalFile Origin = "local-file"
	OriginURL       Origin = "url"
)

// Source references audio to decode. Local files are held as blobs and
// addressed by their blob locator.
type Source struct {
	Origin  Origin
	Locator string
	Name    string
}

// Selection holds the currently selected audio source. Selecting a new source
// releases the blob of the one it replaces.
type Selection struct {
	blobs *assets.BlobRegistry

	mu      sync.Mutex
	current *Source
}

func NewSelection(blobs *assets.BlobRegistry) *Selection {
	return &Selection{blobs: blobs}
}

// SelectFile stores data as a blob and makes it the current source.
func (s *Selection) SelectFile(name string, data []byte) (Source, error) {
	if len(data) == 0 {
		return Source{}, errors.New("selected file is empty")
	}
	src := Source{Origin: OriginLocalFile, Locator: s.blobs.Put(data), Name: name}
	s.replace(&src)
	return src, nil
}

// SelectURL makes a remote http(s) URL the current source.
func (s *Selection) SelectURL(raw string) (Source, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("parse audio url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Source{}, fmt.Errorf("audio url must be absolute http(s), got %q", raw)
	}
	src := Source{Origin: OriginURL, Locator: u.String()}
	s.replace(&src)
	return src, nil
}

// Current returns the selected source, if any.
func (s *Selection) Current() (Source, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Source{}, false
	}
	return *s.current, true
}

// Close releases the current source.
func (s *Selection) Close() {
	s.replace(nil)
}

func (s *Selection) replace(next *Source) {
	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()
	if prev != nil && prev.Origin == OriginLocalFile {
		s.blobs.Revoke(prev.Locator)
	}
}
