package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-transcribe/internal/assets"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

type fakeDecoder struct {
	blobs *assets.BlobRegistry
	seen  []Source
	audio []string
	res   protocol.DecodeResult
	err   error

	noUploads bool
}

func (d *fakeDecoder) AcceptsUploads() bool { return !d.noUploads }

func (d *fakeDecoder) RequestDecode(_ context.Context, src Source) (protocol.DecodeResult, error) {
	d.seen = append(d.seen, src)
	if src.Origin == OriginLocalFile {
		data, err := d.blobs.Get(src.Locator)
		if err != nil {
			return protocol.DecodeResult{}, err
		}
		d.audio = append(d.audio, string(data))
	}
	return d.res, d.err
}

type presence bool

func (p presence) DecoderAvailable(string) bool { return bool(p) }

func newTestServer(t *testing.T, dec *fakeDecoder, available bool, limit int64) (*httptest.Server, *assets.BlobRegistry) {
	t.Helper()
	blobs := dec.blobs
	h := NewHandler(config.SurfaceConfig{
		Enabled:        true,
		MaxUploadBytes: limit,
		AllowedOrigins: []string{"https://app.example"},
	}, dec, blobs, presence(available), slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Mount("/v1", h.Routes())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, blobs
}

func multipartBody(t *testing.T, fields map[string]string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if file != nil {
		part, err := mw.CreateFormFile("file", "clip.wav")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(file)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, resp *http.Response) protocol.DecodeResult {
	t.Helper()
	defer resp.Body.Close()
	var res protocol.DecodeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res
}

func TestTranscribeUpload(t *testing.T) {
	dec := &fakeDecoder{
		blobs: assets.NewBlobRegistry(),
		res:   protocol.DecodeResult{RequestID: "r1", Status: protocol.StatusComplete, Text: "Hello world"},
	}
	srv, blobs := newTestServer(t, dec, true, 1<<20)

	body, contentType := multipartBody(t, nil, []byte("RIFFdata"))
	resp, err := http.Post(srv.URL+"/v1/transcriptions", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if res := decodeBody(t, resp); res.Text != "Hello world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(dec.seen) != 1 || dec.seen[0].Origin != OriginLocalFile || !strings.HasPrefix(dec.seen[0].Locator, assets.BlobScheme) {
		t.Fatalf("expected one blob source, got %+v", dec.seen)
	}
	if len(dec.audio) != 1 || dec.audio[0] != "RIFFdata" {
		t.Fatalf("expected upload bytes behind the blob, got %v", dec.audio)
	}
	if blobs.Len() != 0 {
		t.Fatalf("expected upload released after the result, %d live", blobs.Len())
	}
}

func TestTranscribeURL(t *testing.T) {
	dec := &fakeDecoder{
		blobs: assets.NewBlobRegistry(),
		res:   protocol.DecodeResult{Status: protocol.StatusComplete, Text: "Hi"},
	}
	srv, _ := newTestServer(t, dec, true, 1<<20)

	resp, err := http.Post(srv.URL+"/v1/transcriptions", "application/json", strings.NewReader(`{"audio_url":"https://example.com/a.wav"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(dec.seen) != 1 || dec.seen[0].Origin != OriginURL || dec.seen[0].Locator != "https://example.com/a.wav" {
		t.Fatalf("unexpected sources %+v", dec.seen)
	}
}

func TestTranscribeRejectsBadInput(t *testing.T) {
	dec := &fakeDecoder{blobs: assets.NewBlobRegistry(), res: protocol.DecodeResult{Status: protocol.StatusComplete}}
	srv, _ := newTestServer(t, dec, true, 4096)

	both, bothType := multipartBody(t, map[string]string{"audio_url": "https://example.com/a.wav"}, []byte("RIFF"))
	missing, missingType := multipartBody(t, map[string]string{"note": "x"}, nil)

	cases := []struct {
		name        string
		contentType string
		body        io.Reader
		want        int
	}{
		{"no content type", "", strings.NewReader("x"), http.StatusUnsupportedMediaType},
		{"plain text", "text/plain", strings.NewReader("x"), http.StatusUnsupportedMediaType},
		{"bad json", "application/json", strings.NewReader("{"), http.StatusBadRequest},
		{"missing url", "application/json", strings.NewReader(`{}`), http.StatusBadRequest},
		{"local path url", "application/json", strings.NewReader(`{"audio_url":"/etc/passwd"}`), http.StatusBadRequest},
		{"too large", "application/json", strings.NewReader(`{"audio_url":"https://example.com/` + strings.Repeat("a", 8192) + `"}`), http.StatusRequestEntityTooLarge},
		{"file and url", bothType, both, http.StatusBadRequest},
		{"missing file", missingType, missing, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/transcriptions", tc.body)
			if err != nil {
				t.Fatal(err)
			}
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
	if len(dec.seen) != 0 {
		t.Fatalf("no request should reach the decoder, got %+v", dec.seen)
	}
}

func TestTranscribeWithoutWorker(t *testing.T) {
	dec := &fakeDecoder{blobs: assets.NewBlobRegistry()}
	srv, _ := newTestServer(t, dec, false, 1<<20)
	resp, err := http.Post(srv.URL+"/v1/transcriptions", "application/json", strings.NewReader(`{"audio_url":"https://example.com/a.wav"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestTranscribeRefusesUploadWithoutLocalWorker(t *testing.T) {
	dec := &fakeDecoder{blobs: assets.NewBlobRegistry(), noUploads: true}
	srv, blobs := newTestServer(t, dec, true, 1<<20)
	body, contentType := multipartBody(t, nil, []byte("RIFF"))
	resp, err := http.Post(srv.URL+"/v1/transcriptions", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if len(dec.seen) != 0 || blobs.Len() != 0 {
		t.Fatalf("upload must not be stored or sent, seen %d blobs %d", len(dec.seen), blobs.Len())
	}

	resp, err = http.Post(srv.URL+"/v1/transcriptions", "application/json", strings.NewReader(`{"audio_url":"https://example.com/a.wav"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if len(dec.seen) != 1 {
		t.Fatalf("expected url request to still reach the decoder, seen %d", len(dec.seen))
	}
}

func TestTranscribeMapsResultStatus(t *testing.T) {
	cases := map[string]int{
		"audio_fetch_error":   http.StatusUnprocessableEntity,
		"decode_engine_error": http.StatusBadGateway,
		"asset_fetch_error":   http.StatusBadGateway,
		"queue_full":          http.StatusServiceUnavailable,
	}
	for status, want := range cases {
		t.Run(status, func(t *testing.T) {
			dec := &fakeDecoder{blobs: assets.NewBlobRegistry(), res: protocol.DecodeResult{Status: status, Error: "boom"}}
			srv, _ := newTestServer(t, dec, true, 1<<20)
			resp, err := http.Post(srv.URL+"/v1/transcriptions", "application/json", strings.NewReader(`{"audio_url":"https://example.com/a.wav"}`))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			if resp.StatusCode != want {
				t.Fatalf("expected %d, got %d", want, resp.StatusCode)
			}
			res := decodeBody(t, resp)
			if res.Status != status || res.Text != "" {
				t.Fatalf("expected failure result passed through, got %+v", res)
			}
		})
	}
}

func TestTranscribeTransportErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"no responders": {nats.ErrNoResponders, http.StatusServiceUnavailable},
		"no local node": {ErrNoLocalWorker, http.StatusServiceUnavailable},
		"timeout":       {context.DeadlineExceeded, http.StatusGatewayTimeout},
		"other":         {errors.New("connection reset"), http.StatusBadGateway},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dec := &fakeDecoder{blobs: assets.NewBlobRegistry(), err: tc.err}
			srv, _ := newTestServer(t, dec, true, 1<<20)
			resp, err := http.Post(srv.URL+"/v1/transcriptions", "application/json", strings.NewReader(`{"audio_url":"https://example.com/a.wav"}`))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	dec := &fakeDecoder{blobs: assets.NewBlobRegistry()}
	srv, _ := newTestServer(t, dec, true, 1<<20)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/transcriptions", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}
}
