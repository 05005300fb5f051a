// Command quarry runs the document intelligence platform.
//
// Usage:
//
//	quarry serve --config quarry.yaml
//	quarry ingest --config quarry.yaml deck.pdf financials.pdf
//	quarry validate --config quarry.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/extraction"
	"github.com/docquarry/quarry/pkg/logger"
	"github.com/docquarry/quarry/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server and pipeline workers."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest documents from the command line."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("quarry %s\n", version)
	return nil
}

// ServeCmd starts the HTTP surface and the pipeline worker pool in one
// process. Multi-process deployments run the same binary against a redis
// broker.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	app, cleanup, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	go app.Worker.Run(ctx)
	return app.Server.Run(ctx)
}

// IngestCmd indexes documents without starting the server. It waits for
// every pipeline run to reach a terminal state before exiting.
type IngestCmd struct {
	Files []string `arg:"" help:"PDF files to ingest." type:"existingfile"`

	Tier    string        `help:"Parser tier (basic, premium)." default:"basic"`
	PDFType string        `name:"pdf-type" help:"PDF type (text, scanned, mixed)." default:"text"`
	Timeout time.Duration `help:"Per-document completion timeout." default:"10m"`
}

func (c *IngestCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, cleanup, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	go app.Worker.Run(ctx)

	for _, path := range c.Files {
		res, err := app.Extractions.IngestDocument(ctx, extraction.IngestRequest{
			UserID:   "local",
			OrgID:    "local",
			Filename: path,
			FilePath: path,
			Tier:     c.Tier,
			PDFType:  c.PDFType,
		})
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", path, err)
		}
		if res.FromHistory {
			fmt.Printf("%s: already indexed (document %s)\n", path, res.Document.ID)
			continue
		}
		if err := c.await(ctx, app, res.Document.ID); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: indexed (document %s)\n", path, res.Document.ID)
	}
	return nil
}

func (c *IngestCmd) await(ctx context.Context, app *App, documentID string) error {
	deadline := time.After(c.Timeout)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for ingestion")
		case <-tick.C:
			doc, err := app.Store.Document(ctx, documentID)
			if err != nil {
				return err
			}
			switch doc.Status {
			case store.DocCompleted:
				return nil
			case store.DocFailed:
				return fmt.Errorf("ingestion failed: %s", doc.ErrorMessage)
			}
		}
	}
}

// ValidateCmd checks a configuration file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: valid\n", cli.Config)
	return nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("quarry"),
		kong.Description("Document intelligence platform: ingestion, retrieval, workflows, and chat."),
		kong.UsageOnError(),
	)

	cleanup, err := logger.Setup(logger.Options{
		Level:  cli.LogLevel,
		Format: cli.LogFormat,
		File:   cli.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	kctx.FatalIfErrorf(kctx.Run(cli))
}
