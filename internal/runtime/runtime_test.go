package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/nats-io/nats.go"
)

const testManifest = `metadata:
  name: test-model
  version: "1"
assets:
  weights: weights.bin
  tokenizer: tokenizer.json
  config: config.json
  mel_filters: mel.bin
decoding:
  task: transcribe
`

func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"manifest.yaml":  testManifest,
		"weights.bin":    "weights",
		"tokenizer.json": `{"model":"bpe"}`,
		"config.json":    `{"num_mel_bins":80}`,
		"mel.bin":        "filters",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return filepath.Join(dir, "manifest.yaml")
}

func wavBytes(t *testing.T, rate, frames int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: rate}, Data: make([]int, frames)}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Node.HeartbeatInterval = 100
	cfg.Node.HeartbeatTimeout = 1000
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Engine.Mode = "mock"
	cfg.Engine.Manifest = writeModel(t)
	cfg.Worker.RequestTimeoutMS = 5000
	cfg.Surface.ReplyTimeoutMS = 5000
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	handler, err := rt.setup(ctx)
	if err != nil {
		cancel()
		rt.teardown(context.Background())
		t.Fatalf("setup: %v", err)
	}
	rt.ready.Store(true)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		rt.teardown(context.Background())
	})
	return rt, srv
}

func TestRuntimeTranscribesUpload(t *testing.T) {
	cfg := testConfig(t)
	rt, srv := startRuntime(t, cfg)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(wavBytes(t, 16000, 1600))
	mw.Close()

	resp, err = http.Post(srv.URL+"/v1/transcriptions", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}
	var res protocol.DecodeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Text != "[transcribe transcript samples=1600 rate=16000]" {
		t.Fatalf("unexpected transcript %q", res.Text)
	}
	if len(res.Output) != 1 || res.Output[0].Duration != 0.1 {
		t.Fatalf("unexpected output %+v", res.Output)
	}
	if rt.blobs.Len() != 0 {
		t.Fatalf("expected upload released, %d blobs live", rt.blobs.Len())
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		events, err := rt.events.ListRequestEvents(context.Background(), res.RequestID)
		if err != nil {
			t.Fatalf("list journal: %v", err)
		}
		if len(events) == 2 {
			if events[0].Type != stt.EventDecodeAccepted || events[1].Type != stt.EventDecodeComplete {
				t.Fatalf("unexpected journal %s, %s", events[0].Type, events[1].Type)
			}
			if strings.Contains(string(events[1].Payload), "transcript") {
				t.Fatal("journal must not store transcript text")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 journal events, got %d", len(events))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRuntimeReportsAudioFetchFailure(t *testing.T) {
	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()

	_, srv := startRuntime(t, testConfig(t))
	resp, err := http.Post(srv.URL+"/v1/transcriptions", "application/json",
		strings.NewReader(`{"audio_url":"`+missing.URL+`/clip.wav"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	var res protocol.DecodeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != string(stt.KindAudioFetch) || res.Text != "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRuntimeWithoutWorker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.Enabled = false
	_, srv := startRuntime(t, cfg)

	resp, err := http.Post(srv.URL+"/v1/transcriptions", "application/json",
		strings.NewReader(`{"audio_url":"https://example.com/a.wav"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a decode worker, got %d", resp.StatusCode)
	}
}

func postUpload(t *testing.T, url string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()
	resp, err := http.Post(url+"/v1/transcriptions", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func TestRuntimeWithoutWorkerRefusesUploads(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.Enabled = false
	rt, srv := startRuntime(t, cfg)

	// A remote decoder is present, but it cannot see this process's blobs.
	nc, err := nats.Connect(rt.nats.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	if _, err := nc.QueueSubscribe(protocol.SubjectDecodeRequest, protocol.QueueDecoders, func(msg *nats.Msg) {
		data, _ := json.Marshal(protocol.DecodeResult{Status: string(stt.KindAudioFetch), Error: "unknown blob"})
		msg.Respond(data)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	resp := postUpload(t, srv.URL, wavBytes(t, 16000, 160))
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for upload without a local worker, got %d", resp.StatusCode)
	}
	if rt.blobs.Len() != 0 {
		t.Fatalf("expected no blobs retained, got %d", rt.blobs.Len())
	}
}

func TestRuntimeRoutesUploadsToLocalWorker(t *testing.T) {
	rt, srv := startRuntime(t, testConfig(t))

	nc, err := nats.Connect(rt.nats.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	var foreign int
	var mu sync.Mutex
	if _, err := nc.QueueSubscribe(protocol.SubjectDecodeRequest, protocol.QueueDecoders, func(msg *nats.Msg) {
		mu.Lock()
		foreign++
		mu.Unlock()
		data, _ := json.Marshal(protocol.DecodeResult{Status: string(stt.KindAudioFetch), Error: "unknown blob"})
		msg.Respond(data)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	clip := wavBytes(t, 16000, 160)
	for i := 0; i < 6; i++ {
		resp := postUpload(t, srv.URL, clip)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("upload %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if foreign != 0 {
		t.Fatalf("uploads reached a worker on another node %d times", foreign)
	}
}

func TestNewDecoderRejectsBadManifest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Manifest = filepath.Join(t.TempDir(), "missing.yaml")
	if _, _, err := NewDecoder(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	var buf bytes.Buffer
	NewLogger(&buf, "warn").Info("dropped")
	if buf.Len() != 0 {
		t.Fatal("expected info suppressed at warn level")
	}
}
