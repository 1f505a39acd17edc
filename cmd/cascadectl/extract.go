package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cexll/llmcascade/pkg/server"
	"github.com/cexll/llmcascade/pkg/workflow/extract"
)

func extractCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("extract-urls", flag.ContinueOnError)
	set.SetOutput(streams.err)
	var ov overrides
	ov.register(set)
	var (
		configFlag = set.String("config", cfgPath, "Path to CLI config file.")
		material   = set.String("material", "", "Supporting material containing the candidate URLs.")
		file       = set.String("file", "", "Read supporting material from a file ('-' for stdin).")
		html       = set.Bool("html", false, "Treat the supporting material as HTML.")
		maxURLs    = set.Int("max-urls", 0, "Maximum number of URLs to accept (default from settings, else 5).")
		asJSON     = set.Bool("json", false, "Print the result as JSON.")
		transcript = set.Bool("transcript", false, "Print the full cascade transcript.")
		verbose    = set.Bool("verbose", false, "Log engine diagnostics to stderr.")
		timeout    = set.Duration("timeout", 0, "Abort the extraction after this long (0 disables).")
	)
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: cascadectl extract-urls [flags] \"instructions\"")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nExamples:")
		fmt.Fprintln(streams.err, "  cascadectl extract-urls \"Which of these URLs are docs? https://go.dev https://example.com\"")
		fmt.Fprintln(streams.err, "  cascadectl extract-urls --backend openai --model gpt-4o-mini --file page.html --html \"Find the pricing pages\"")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *maxURLs < 0 {
		return fmt.Errorf("invalid --max-urls %d", *maxURLs)
	}
	instructions := strings.TrimSpace(strings.Join(set.Args(), " "))
	if instructions == "" {
		return errors.New("extract-urls requires instructions")
	}
	text, err := readMaterial(*material, *file, streams.in)
	if err != nil {
		return err
	}

	cli, err := readCLIConfig(*configFlag)
	if err != nil {
		return err
	}
	settings, _, err := resolveSettings(cli, ov)
	if err != nil {
		return err
	}
	shutdown, err := setupTelemetry(settings.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	p, err := newPipeline(ctx, settings, newLogger(streams.err, *verbose))
	if err != nil {
		return err
	}
	res, err := p.Run(ctx, server.Job{
		Instructions: instructions,
		Material:     text,
		HTML:         *html,
		MaxURLs:      *maxURLs,
	})
	if err != nil {
		return fmt.Errorf("extract urls: %w", err)
	}
	return writeResult(streams.out, res, *asJSON, *transcript)
}

func readMaterial(inline, path string, stdin io.Reader) (string, error) {
	path = strings.TrimSpace(path)
	if inline != "" && path != "" {
		return "", errors.New("use either --material or --file, not both")
	}
	switch path {
	case "":
		return inline, nil
	case "-":
		if stdin == nil {
			return "", errors.New("stdin is not available")
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read material: %w", err)
		}
		return string(data), nil
	}
}

func writeResult(out io.Writer, res *extract.Result, asJSON, transcript bool) error {
	if out == nil || res == nil {
		return nil
	}
	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetEscapeHTML(false)
		encoder.SetIndent("", "  ")
		return encoder.Encode(server.NewResponse(res, transcript))
	}
	if transcript {
		_, err := io.WriteString(out, res.String())
		return err
	}
	for _, u := range res.URLs {
		fmt.Fprintln(out, u.String())
	}
	return nil
}
