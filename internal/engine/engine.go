package engine

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-transcribe/internal/model"
)

// Bundle holds the raw model assets an engine is built from.
type Bundle struct {
	Weights    []byte
	Tokenizer  []byte
	Config     []byte
	MelFilters []byte
}

// NewBundle builds a bundle from buffers ordered as model.Manifest.Locations.
// Every asset must be present and non-empty.
func NewBundle(buffers [][]byte) (Bundle, error) {
	if len(buffers) != model.AssetCount {
		return Bundle{}, fmt.Errorf("expected %d assets, got %d", model.AssetCount, len(buffers))
	}
	for i, b := range buffers {
		if len(b) == 0 {
			return Bundle{}, fmt.Errorf("asset %s is empty", model.AssetName(i))
		}
	}
	return Bundle{
		Weights:    buffers[model.AssetWeights],
		Tokenizer:  buffers[model.AssetTokenizer],
		Config:     buffers[model.AssetConfig],
		MelFilters: buffers[model.AssetMelFilters],
	}, nil
}

// Size returns the total byte size of the bundle.
func (b Bundle) Size() int {
	return len(b.Weights) + len(b.Tokenizer) + len(b.Config) + len(b.MelFilters)
}

// Flags are the static decoding modes passed at construction, in the
// engine's positional order.
type Flags struct {
	Quantized    bool
	Timestamps   bool
	Multilingual bool
	Language     string
	Task         string
}

// FlagsFromManifest copies the decoding section of a model manifest.
func FlagsFromManifest(m model.Manifest) Flags {
	task := m.Decoding.Task
	if task == "" {
		task = "transcribe"
	}
	return Flags{
		Quantized:    m.Decoding.Quantized,
		Timestamps:   m.Decoding.Timestamps,
		Multilingual: m.Decoding.Multilingual,
		Language:     m.Decoding.Language,
		Task:         task,
	}
}

// Engine is an initialized speech decoder. Decode returns a JSON document:
// an ordered array of objects, each with a nested "result" object carrying
// at least "text". Implementations are not required to be safe for
// concurrent use.
type Engine interface {
	Decode(ctx context.Context, audio []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Constructor builds an engine from a bundle.
type Constructor func(ctx context.Context, bundle Bundle, flags Flags) (Engine, error)
