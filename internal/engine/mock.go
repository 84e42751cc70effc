package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-audio/wav"
)

type mockEngine struct {
	flags Flags
}

type mockSegment struct {
	Start    float64    `json:"start"`
	Duration float64    `json:"duration"`
	Result   mockResult `json:"result"`
}

type mockResult struct {
	Text string `json:"text"`
}

// NewMock builds an engine that recognizes nothing but validates its inputs
// the way a real decoder would: the config asset must be JSON and audio must
// be a PCM WAV file.
func NewMock(_ context.Context, bundle Bundle, flags Flags) (Engine, error) {
	if !json.Valid(bundle.Config) {
		return nil, fmt.Errorf("config asset is not valid JSON")
	}
	return &mockEngine{flags: flags}, nil
}

func (m *mockEngine) Decode(ctx context.Context, audio []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(bytes.NewReader(audio))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("audio is not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav samples: %w", err)
	}
	rate := int(dec.SampleRate)
	channels := int(dec.NumChans)
	if rate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("wav header missing format")
	}
	frames := len(buf.Data) / channels
	segments := []mockSegment{{
		Start:    0,
		Duration: float64(frames) / float64(rate),
		Result: mockResult{
			Text: fmt.Sprintf("[%s transcript samples=%d rate=%d]", m.flags.Task, frames, rate),
		},
	}}
	return json.Marshal(segments)
}

func (m *mockEngine) Close(context.Context) error { return nil }
