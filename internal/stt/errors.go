package stt

import (
	"errors"
	"fmt"
)

// Kind classifies a decode failure. It doubles as the status tag on the wire.
type Kind string

const (
	KindAssetFetch     Kind = "asset_fetch_error"
	KindEngineInit     Kind = "engine_init_error"
	KindAudioFetch     Kind = "audio_fetch_error"
	KindDecodeEngine   Kind = "decode_engine_error"
	KindInvalidRequest Kind = "invalid_request"
	KindQueueFull      Kind = "queue_full"
)

// Error is a classified decode failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of a classified error, or "" when err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
