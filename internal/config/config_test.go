package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Engine.Mode != "mock" {
		t.Fatalf("expected mock engine by default, got %q", cfg.Engine.Mode)
	}
	if cfg.Worker.QueueDepth != 16 {
		t.Fatalf("expected default queue depth 16, got %d", cfg.Worker.QueueDepth)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcribe.yaml")
	body := `runtime_name: test-runtime
engine:
  mode: exec
  command: "whisper-decode --threads 2"
  manifest: ./models/tiny.yaml
worker:
  queue_depth: 2
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-runtime" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Engine.Command != "whisper-decode --threads 2" {
		t.Fatalf("unexpected engine command %q", cfg.Engine.Command)
	}
	if cfg.Worker.QueueDepth != 2 {
		t.Fatalf("expected queue depth 2, got %d", cfg.Worker.QueueDepth)
	}
	if cfg.Worker.RequestTimeoutMS != 300000 {
		t.Fatalf("expected default request timeout to survive partial file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRANSCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("TRANSCRIBE_BUS_USERNAME", "alice")
	t.Setenv("TRANSCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("TRANSCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("TRANSCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("TRANSCRIBE_BUS_RESULT_RETENTION_MS", "0")
	t.Setenv("TRANSCRIBE_NODE_ID", "test-node")
	t.Setenv("TRANSCRIBE_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("TRANSCRIBE_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("TRANSCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("TRANSCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("TRANSCRIBE_EVENT_STORE_MAX_WORKERS", "123")
	t.Setenv("TRANSCRIBE_ENGINE_MODE", "wasm")
	t.Setenv("TRANSCRIBE_ENGINE_MODULE", "./engines/whisper.wasm")
	t.Setenv("TRANSCRIBE_WORKER_QUEUE_DEPTH", "4")
	t.Setenv("TRANSCRIBE_SURFACE_MAX_UPLOAD_BYTES", "1024")
	t.Setenv("TRANSCRIBE_SURFACE_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TRANSCRIBE_SURFACE_MODEL", "whisper-base")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Bus.ResultRetentionMS != 0 {
		t.Fatalf("expected result retention disabled, got %d", cfg.Bus.ResultRetentionMS)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.MaxWorkers != 123 {
		t.Fatalf("expected event store max workers override")
	}
	if cfg.Engine.Mode != "wasm" || cfg.Engine.Module != "./engines/whisper.wasm" {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Worker.QueueDepth != 4 {
		t.Fatalf("expected queue depth override")
	}
	if cfg.Surface.MaxUploadBytes != 1024 {
		t.Fatalf("expected upload limit override")
	}
	if len(cfg.Surface.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 allowed origins, got %v", cfg.Surface.AllowedOrigins)
	}
	if cfg.Surface.Model != "whisper-base" {
		t.Fatalf("expected surface model override, got %q", cfg.Surface.Model)
	}
}

func TestValidateEngineMode(t *testing.T) {
	t.Setenv("TRANSCRIBE_ENGINE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
	t.Setenv("TRANSCRIBE_ENGINE_MODE", "remote")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown engine mode")
	}
}
