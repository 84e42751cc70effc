package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/assets"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/model"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/runtime"
	"github.com/loqalabs/loqa-transcribe/internal/surface"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = "usage: transcribectl <validate|decode|request|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "decode":
		err = runDecode(os.Args[2:], os.Stdout)
	case "request":
		err = runRequest(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := fs.String("file", "model.yaml", "Path to model manifest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, err := model.Load(*path)
	if err != nil {
		return err
	}
	if err := model.Validate(m); err != nil {
		return err
	}
	fmt.Fprintf(out, "manifest valid: %s\n", m.Metadata.Name)
	return nil
}

// runDecode transcribes one local file or URL in-process, without a daemon.
func runDecode(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	asJSON := fs.Bool("json", false, "Print the full decode result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("decode expects exactly one audio file or URL")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel)

	blobs := assets.NewBlobRegistry()
	orch, _, err := runtime.NewDecoder(cfg, blobs, logger)
	if err != nil {
		return err
	}
	ctx := context.Background()
	defer orch.Close(ctx)

	sel := surface.NewSelection(blobs)
	defer sel.Close()
	src, err := selectInput(sel, fs.Arg(0))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Worker.RequestTimeoutMS)*time.Millisecond)
	defer cancel()
	res := orch.Handle(ctx, protocol.DecodeRequest{RequestID: filepath.Base(fs.Arg(0)), AudioSource: src.Locator})
	return printResult(out, res, *asJSON)
}

// runRequest asks a running daemon to transcribe a remote URL over the bus.
func runRequest(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	servers := fs.String("servers", nats.DefaultURL, "Comma-separated NATS server URLs")
	timeout := fs.Duration("timeout", 5*time.Minute, "How long to wait for the result")
	asJSON := fs.Bool("json", false, "Print the full decode result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("request expects exactly one audio URL")
	}
	sel := surface.NewSelection(assets.NewBlobRegistry())
	src, err := sel.SelectURL(fs.Arg(0))
	if err != nil {
		return err
	}

	conn, err := nats.Connect(*servers, nats.Name("transcribectl"))
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	res, err := surface.NewClient(conn, *timeout, "").RequestDecode(context.Background(), src)
	if err != nil {
		return err
	}
	return printResult(out, res, *asJSON)
}

func selectInput(sel *surface.Selection, arg string) (surface.Source, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return sel.SelectURL(arg)
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return surface.Source{}, err
	}
	return sel.SelectFile(filepath.Base(arg), data)
}

func printResult(out io.Writer, res protocol.DecodeResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res.Complete() {
		fmt.Fprintln(out, res.Text)
	}
	if !res.Complete() {
		return fmt.Errorf("decode failed (%s): %s", res.Status, res.Error)
	}
	return nil
}
