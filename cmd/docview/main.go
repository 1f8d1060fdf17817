// Command docview opens a document and drives the render scheduler
// from a terminal UI. The backend is picked from the config file or
// the -backend flag; markdown needs no native libraries and is the
// easiest way to try it out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/wudi/docview/config"
	"github.com/wudi/docview/observability"
	"github.com/wudi/docview/scheduler"
	"github.com/wudi/docview/source"
	"github.com/wudi/docview/source/fitz"
	"github.com/wudi/docview/source/markdown"
	"github.com/wudi/docview/source/pdfium"
	"github.com/wudi/docview/tui"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config file path (optional)")
	backend := flag.String("backend", "", "override backend: pdfium, fitz, or markdown")
	verbose := flag.Bool("v", false, "log scheduler activity to stderr")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: docview [-config path] [-backend name] <document>")
		return 2
	}
	path := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docview: %v\n", err)
		return 1
	}
	if *backend != "" {
		cfg.Backend = *backend
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := view(ctx, cfg, path, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "docview: %v\n", err)
		return 1
	}
	return 0
}

func view(ctx context.Context, cfg config.Config, path string, verbose bool) error {
	src, err := openSource(cfg.Backend, path)
	if err != nil {
		return err
	}
	defer src.Close()

	var logger observability.Logger = observability.NopLogger{}
	if verbose {
		logger = observability.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	}

	events := make(chan scheduler.Event, 256)
	scrolls := make(chan float64, 16)

	schedCfg := cfg.Scheduler()
	schedCfg.Logger = logger
	schedCfg.Scroll = func(offset float64) {
		select {
		case scrolls <- offset:
		default:
		}
	}

	sched := scheduler.New(schedCfg, src, func(ev scheduler.Event) {
		select {
		case events <- ev:
		default: // the UI polls state anyway, dropping is safe
		}
	})
	defer sched.Destroy()

	if err := sched.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}

	return tui.Run(ctx, tui.Options{
		Scheduler: sched,
		Title:     filepath.Base(path),
		Events:    events,
		Scrolls:   scrolls,
	})
}

func openSource(backend, path string) (source.Source, error) {
	switch backend {
	case config.BackendPdfium:
		return pdfium.Open(path)
	case config.BackendFitz:
		return fitz.Open(path)
	case config.BackendMarkdown:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		return markdown.Parse(data, markdown.Options{})
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
