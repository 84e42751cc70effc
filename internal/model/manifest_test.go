package model

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `metadata:
  name: tiny-multilingual
  version: 0.1.0
  description: Whisper tiny
assets:
  weights: https://example.test/model.safetensors
  tokenizer: https://example.test/tokenizer.json
  config: https://example.test/config.json
  mel_filters: assets/mel_filters.safetensors
decoding:
  multilingual: true
  language: de
  task: translate
  timestamps: true
`

func TestLoadValidManifest(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "model.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if want := filepath.Join(tmp, "assets", "mel_filters.safetensors"); m.Assets.MelFilters != want {
		t.Fatalf("expected bundled path resolved to %s, got %s", want, m.Assets.MelFilters)
	}
	if m.Assets.Weights != "https://example.test/model.safetensors" {
		t.Fatalf("remote location must not be rewritten, got %s", m.Assets.Weights)
	}
	if !m.Decoding.Timestamps || m.Decoding.Task != "translate" {
		t.Fatalf("unexpected decoding flags %+v", m.Decoding)
	}
}

func TestLocationsOrder(t *testing.T) {
	m := Manifest{Assets: Assets{Weights: "w", Tokenizer: "t", Config: "c", MelFilters: "m"}}
	got := m.Locations()
	want := []string{"w", "t", "c", "m"}
	if len(got) != AssetCount {
		t.Fatalf("expected %d locations, got %d", AssetCount, len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d (%s): expected %s, got %s", i, AssetName(i), want[i], got[i])
		}
	}
}

func TestValidateMissingAsset(t *testing.T) {
	m := Default()
	m.Assets.Tokenizer = ""
	if err := Validate(m); err == nil {
		t.Fatal("expected error for missing tokenizer")
	}
}

func TestValidateLanguageOnEnglishModel(t *testing.T) {
	m := Default()
	m.Decoding.Language = "fr"
	if err := Validate(m); err == nil {
		t.Fatal("expected error for language on English-only model")
	}
}

func TestValidateUnsupportedTask(t *testing.T) {
	m := Default()
	m.Decoding.Task = "summarize"
	if err := Validate(m); err == nil {
		t.Fatal("expected error for unsupported task")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default manifest invalid: %v", err)
	}
}
