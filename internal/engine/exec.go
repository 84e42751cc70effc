package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execEngine struct {
	cmd   []string
	dir   string
	flags Flags
	mu    sync.Mutex
}

// NewExecConstructor returns a Constructor for an external decoder binary.
// The bundle is written to a private directory once; every decode runs the
// command with the asset paths and the audio file as arguments and reads the
// JSON result from stdout.
func NewExecConstructor(command string) (Constructor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return func(ctx context.Context, bundle Bundle, flags Flags) (Engine, error) {
		dir, err := os.MkdirTemp("", "transcribe_engine_*")
		if err != nil {
			return nil, fmt.Errorf("engine dir: %w", err)
		}
		files := map[string][]byte{
			"weights":     bundle.Weights,
			"tokenizer":   bundle.Tokenizer,
			"config":      bundle.Config,
			"mel_filters": bundle.MelFilters,
		}
		for name, data := range files {
			if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
				os.RemoveAll(dir)
				return nil, fmt.Errorf("write %s: %w", name, err)
			}
		}
		return &execEngine{cmd: append([]string(nil), args...), dir: dir, flags: flags}, nil
	}, nil
}

func (e *execEngine) args(audioPath string) []string {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--weights", filepath.Join(e.dir, "weights"),
		"--tokenizer", filepath.Join(e.dir, "tokenizer"),
		"--config", filepath.Join(e.dir, "config"),
		"--mel-filters", filepath.Join(e.dir, "mel_filters"),
		"--quantized="+strconv.FormatBool(e.flags.Quantized),
		"--timestamps="+strconv.FormatBool(e.flags.Timestamps),
		"--multilingual="+strconv.FormatBool(e.flags.Multilingual),
	)
	if e.flags.Language != "" {
		args = append(args, "--language", e.flags.Language)
	}
	if e.flags.Task != "" {
		args = append(args, "--task", e.flags.Task)
	}
	return append(args, "--audio", audioPath)
}

func (e *execEngine) Decode(ctx context.Context, audio []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp(e.dir, "audio_*")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(audio); err != nil {
		file.Close()
		return nil, fmt.Errorf("write audio: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close audio: %w", err)
	}

	command := exec.CommandContext(ctx, e.cmd[0], e.args(file.Name())...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (e *execEngine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return os.RemoveAll(e.dir)
}
