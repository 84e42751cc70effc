package stt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

// Segment is one unit of recognized speech.
type Segment struct {
	Start    float64
	Duration float64
	Text     string
}

type rawSegment struct {
	Start    float64         `json:"start"`
	Duration float64         `json:"duration"`
	Result   json.RawMessage `json:"result"`
	DR       json.RawMessage `json:"dr"`
}

type rawResult struct {
	Text *string `json:"text"`
}

// ParseSegments decodes an engine payload: a JSON array whose entries each
// hold a nested result object with a string text field. The "dr" key used by
// candle-based engines is accepted in place of "result".
func ParseSegments(payload []byte) ([]Segment, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("engine returned an empty payload")
	}
	if trimmed[0] != '[' {
		return nil, errors.New("engine payload is not a JSON array")
	}
	var raw []rawSegment
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("decode engine payload: %w", err)
	}
	segments := make([]Segment, 0, len(raw))
	for i, entry := range raw {
		nested := entry.Result
		if len(nested) == 0 || string(nested) == "null" {
			nested = entry.DR
		}
		if len(nested) == 0 || string(nested) == "null" {
			return nil, fmt.Errorf("segment %d has no result object", i)
		}
		var res rawResult
		if err := json.Unmarshal(nested, &res); err != nil {
			return nil, fmt.Errorf("segment %d result: %w", i, err)
		}
		if res.Text == nil {
			return nil, fmt.Errorf("segment %d result has no text", i)
		}
		segments = append(segments, Segment{Start: entry.Start, Duration: entry.Duration, Text: *res.Text})
	}
	return segments, nil
}

// Normalize trims surrounding whitespace from each segment's text and drops
// segments left blank, keeping engine order. The transcript and the output
// list of a result are both built from the normalized segments, so every
// output entry contributes exactly one part of the text.
func Normalize(segments []Segment) []Segment {
	out := make([]Segment, 0, len(segments))
	for _, s := range segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text != "" {
			out = append(out, s)
		}
	}
	return out
}

// JoinTranscript concatenates the normalized segment texts with single
// spaces, in order. Blank segments add nothing, so the result never has
// doubled, leading or trailing spaces.
func JoinTranscript(segments []Segment) string {
	normalized := Normalize(segments)
	parts := make([]string, 0, len(normalized))
	for _, s := range normalized {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}

func toOutput(segments []Segment) []protocol.OutputSegment {
	out := make([]protocol.OutputSegment, 0, len(segments))
	for _, s := range segments {
		out = append(out, protocol.OutputSegment{
			Start:    s.Start,
			Duration: s.Duration,
			Result:   protocol.SegmentResult{Text: s.Text},
		})
	}
	return out
}
