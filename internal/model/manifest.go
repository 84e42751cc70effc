package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes a speech-recognition model bundle.
type Manifest struct {
	Metadata Metadata     `yaml:"metadata"`
	Assets   Assets       `yaml:"assets"`
	Decoding DecodingSpec `yaml:"decoding"`
}

type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// Assets holds one location per asset. A location is an http(s) URL or a
// path bundled with the application.
type Assets struct {
	Weights    string `yaml:"weights"`
	Tokenizer  string `yaml:"tokenizer"`
	Config     string `yaml:"config"`
	MelFilters string `yaml:"mel_filters"`
}

// DecodingSpec carries the static mode flags handed to the engine.
type DecodingSpec struct {
	Quantized    bool   `yaml:"quantized"`
	Timestamps   bool   `yaml:"timestamps"`
	Multilingual bool   `yaml:"multilingual"`
	Language     string `yaml:"language,omitempty"`
	Task         string `yaml:"task,omitempty"`
}

// Asset positions within Locations.
const (
	AssetWeights = iota
	AssetTokenizer
	AssetConfig
	AssetMelFilters
	AssetCount
)

var assetNames = [AssetCount]string{"weights", "tokenizer", "config", "mel_filters"}

// AssetName returns the manifest key for the asset at position i.
func AssetName(i int) string {
	if i < 0 || i >= AssetCount {
		return fmt.Sprintf("asset[%d]", i)
	}
	return assetNames[i]
}

// Locations returns the asset locations in engine order: weights, tokenizer,
// config, mel filters.
func (m Manifest) Locations() []string {
	return []string{m.Assets.Weights, m.Assets.Tokenizer, m.Assets.Config, m.Assets.MelFilters}
}

// Default is the whisper tiny English model served from Hugging Face with the
// mel filter table bundled next to the binary.
func Default() Manifest {
	const base = "https://huggingface.co/openai/whisper-tiny.en/resolve/main/"
	return Manifest{
		Metadata: Metadata{
			Name:        "whisper-tiny.en",
			Version:     "1",
			Description: "Whisper tiny, English only",
		},
		Assets: Assets{
			Weights:    base + "model.safetensors",
			Tokenizer:  base + "tokenizer.json",
			Config:     base + "config.json",
			MelFilters: "mel_filters.safetensors",
		},
		Decoding: DecodingSpec{
			Task: "transcribe",
		},
	}
}

// Load reads a manifest from disk. Relative bundled locations are resolved
// against the manifest's directory.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	baseDir := filepath.Dir(path)
	m.Assets.Weights = resolve(baseDir, m.Assets.Weights)
	m.Assets.Tokenizer = resolve(baseDir, m.Assets.Tokenizer)
	m.Assets.Config = resolve(baseDir, m.Assets.Config)
	m.Assets.MelFilters = resolve(baseDir, m.Assets.MelFilters)
	return m, nil
}

func resolve(baseDir, location string) string {
	if location == "" || IsRemote(location) || strings.Contains(location, ":") || filepath.IsAbs(location) {
		return location
	}
	return filepath.Join(baseDir, location)
}

// IsRemote reports whether the location is fetched over HTTP.
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// Validate ensures the manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	for i, loc := range m.Locations() {
		if strings.TrimSpace(loc) == "" {
			return fmt.Errorf("assets.%s is required", AssetName(i))
		}
	}
	switch m.Decoding.Task {
	case "", "transcribe", "translate":
	default:
		return fmt.Errorf("decoding.task %q not supported", m.Decoding.Task)
	}
	if m.Decoding.Language != "" && !m.Decoding.Multilingual {
		return fmt.Errorf("decoding.language cannot be set for an English-only model")
	}
	return nil
}
