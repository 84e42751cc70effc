package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Flag bits passed to engine_init.
const (
	FlagQuantized uint32 = 1 << iota
	FlagTimestamps
	FlagMultilingual
	FlagTranslate
)

// Exports a WASM engine module must provide.
const (
	exportAlloc     = "alloc"
	exportInit      = "engine_init"
	exportDecode    = "engine_decode"
	exportLastError = "engine_last_error"
	exportSetOption = "engine_set_option"
)

type wasmEngine struct {
	rt        wazero.Runtime
	module    api.Module
	alloc     api.Function
	decode    api.Function
	lastError api.Function
	mu        sync.Mutex
}

// NewWASMConstructor returns a Constructor that instantiates the engine module
// at path inside a wazero runtime. The module is compiled once per
// construction; the engine owns its runtime.
func NewWASMConstructor(path string, logger *slog.Logger) (Constructor, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	logger = logger.With(slog.String("component", "wasm-engine"))
	return func(ctx context.Context, bundle Bundle, flags Flags) (Engine, error) {
		return newWASMEngine(ctx, wasmBytes, bundle, flags, logger)
	}, nil
}

func newWASMEngine(ctx context.Context, wasmBytes []byte, bundle Bundle, flags Flags, logger *slog.Logger) (_ Engine, err error) {
	rt := wazero.NewRuntime(ctx)
	defer func() {
		if err != nil {
			rt.Close(ctx)
		}
	}()

	if err := instantiateHostModule(ctx, rt, logger); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	moduleConfig := wazero.NewModuleConfig().
		WithName("engine").
		WithStartFunctions("_initialize").
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)
	module, err := rt.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	if module.Memory() == nil {
		return nil, errors.New("engine module exports no memory")
	}

	e := &wasmEngine{rt: rt, module: module}
	exports := map[string]*api.Function{
		exportAlloc:     &e.alloc,
		exportDecode:    &e.decode,
		exportLastError: &e.lastError,
	}
	for name, target := range exports {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("engine module missing export %q", name)
		}
		*target = fn
	}
	initFn := module.ExportedFunction(exportInit)
	if initFn == nil {
		return nil, fmt.Errorf("engine module missing export %q", exportInit)
	}

	if setOption := module.ExportedFunction(exportSetOption); setOption != nil {
		options := map[string]string{"language": flags.Language, "task": flags.Task}
		for key, value := range options {
			if value == "" {
				continue
			}
			if err := e.setOption(ctx, setOption, key, value); err != nil {
				return nil, err
			}
		}
	}

	params := make([]uint64, 0, 9)
	for _, asset := range [][]byte{bundle.Weights, bundle.Tokenizer, bundle.Config, bundle.MelFilters} {
		ptr, err := e.write(ctx, asset)
		if err != nil {
			return nil, err
		}
		params = append(params, api.EncodeU32(ptr), api.EncodeU32(uint32(len(asset))))
	}
	params = append(params, api.EncodeU32(packFlags(flags)))
	results, err := initFn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("engine_init: %w", err)
	}
	if len(results) == 0 {
		return nil, errors.New("engine_init returned no status")
	}
	if code := api.DecodeI32(results[0]); code != 0 {
		return nil, fmt.Errorf("engine_init failed (code %d): %s", code, e.readLastError(ctx))
	}
	return e, nil
}

func packFlags(flags Flags) uint32 {
	var bits uint32
	if flags.Quantized {
		bits |= FlagQuantized
	}
	if flags.Timestamps {
		bits |= FlagTimestamps
	}
	if flags.Multilingual {
		bits |= FlagMultilingual
	}
	if flags.Task == "translate" {
		bits |= FlagTranslate
	}
	return bits
}

func (e *wasmEngine) setOption(ctx context.Context, fn api.Function, key, value string) error {
	kptr, err := e.write(ctx, []byte(key))
	if err != nil {
		return err
	}
	vptr, err := e.write(ctx, []byte(value))
	if err != nil {
		return err
	}
	results, err := fn.Call(ctx, api.EncodeU32(kptr), api.EncodeU32(uint32(len(key))), api.EncodeU32(vptr), api.EncodeU32(uint32(len(value))))
	if err != nil {
		return fmt.Errorf("engine_set_option %s: %w", key, err)
	}
	if len(results) > 0 && api.DecodeI32(results[0]) != 0 {
		return fmt.Errorf("engine rejected option %s=%q: %s", key, value, e.readLastError(ctx))
	}
	return nil
}

// write copies data into guest memory allocated through the module's alloc.
func (e *wasmEngine) write(ctx context.Context, data []byte) (uint32, error) {
	results, err := e.alloc.Call(ctx, api.EncodeU32(uint32(len(data))))
	if err != nil {
		return 0, fmt.Errorf("alloc %d bytes: %w", len(data), err)
	}
	ptr := api.DecodeU32(results[0])
	if len(data) == 0 {
		return ptr, nil
	}
	if !e.module.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write %d bytes at %d out of range", len(data), ptr)
	}
	return ptr, nil
}

func (e *wasmEngine) readPacked(packed uint64) ([]byte, bool) {
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	data, ok := e.module.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (e *wasmEngine) readLastError(ctx context.Context) string {
	results, err := e.lastError.Call(ctx)
	if err != nil || len(results) == 0 || results[0] == 0 {
		return "unknown engine error"
	}
	msg, ok := e.readPacked(results[0])
	if !ok {
		return "unreadable engine error"
	}
	return string(msg)
}

func (e *wasmEngine) Decode(ctx context.Context, audio []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ptr, err := e.write(ctx, audio)
	if err != nil {
		return nil, err
	}
	results, err := e.decode.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(uint32(len(audio))))
	if err != nil {
		return nil, fmt.Errorf("engine_decode: %w", err)
	}
	if len(results) == 0 || results[0] == 0 {
		return nil, fmt.Errorf("engine_decode failed: %s", e.readLastError(ctx))
	}
	payload, ok := e.readPacked(results[0])
	if !ok {
		return nil, errors.New("engine_decode returned out of range result")
	}
	return payload, nil
}

func (e *wasmEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rt == nil {
		return nil
	}
	err := e.rt.Close(ctx)
	e.rt = nil
	return err
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Any("ptr", ptr), slog.Any("len", length))
			return
		}
		logger.Debug("engine log", slog.String("message", string(data)))
	})
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log").
		Instantiate(ctx)
	return err
}
