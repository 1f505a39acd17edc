package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cexll/llmcascade/pkg/config"
	"github.com/cexll/llmcascade/pkg/server"
	"github.com/cexll/llmcascade/pkg/workflow/extract"
)

func serveCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("serve", flag.ContinueOnError)
	set.SetOutput(streams.err)
	var ov overrides
	ov.register(set)
	var (
		host       = set.String("host", "127.0.0.1", "Address to bind.")
		port       = set.Int("port", 8080, "Port number for the HTTP server.")
		configFlag = set.String("config", cfgPath, "Path to CLI config file.")
		watch      = set.Bool("watch", true, "Reload the settings file when it changes.")
		verbose    = set.Bool("verbose", false, "Log engine diagnostics to stderr.")
	)
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: cascadectl serve [flags]")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nRoutes:")
		fmt.Fprintln(streams.err, "  POST /api/extract   Run one extraction (add ?transcript=1 for the cascade)")
		fmt.Fprintln(streams.err, "  GET  /health        Liveness check")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *port < 0 || *port > 65535 {
		return fmt.Errorf("invalid port %d", *port)
	}
	cli, err := readCLIConfig(*configFlag)
	if err != nil {
		return err
	}
	settings, loader, err := resolveSettings(cli, ov)
	if err != nil {
		return err
	}
	hot := &hotPipeline{}
	if _, err := hot.applyTelemetry(settings.Telemetry); err != nil {
		return err
	}
	defer hot.closeTelemetry()

	logger := newLogger(streams.err, *verbose)
	p, err := newPipeline(ctx, settings, logger)
	if err != nil {
		return err
	}
	hot.current.Store(p)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if *watch && loader != nil {
		reloadLog := log.New(streams.err, "cascadectl ", log.LstdFlags)
		go func() {
			err := loader.Watch(watchCtx, config.DefaultDebounce, hot.onReload(watchCtx, ov, logger, reloadLog))
			if err != nil {
				reloadLog.Printf("settings watch stopped: %v", err)
			}
		}()
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(strings.TrimSpace(*host), fmt.Sprint(*port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()
	srv := &http.Server{Handler: buildMux(hot), ReadHeaderTimeout: 10 * time.Second}
	addr := listener.Addr().String()
	if streams.out != nil {
		fmt.Fprintf(streams.out, "cascadectl serve listening on http://%s\n", addr)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// telemetrySetup is swapped in tests.
var telemetrySetup = setupTelemetry

// hotPipeline serves jobs from the most recent successfully built pipeline
// and owns the telemetry installed for its settings.
type hotPipeline struct {
	current atomic.Pointer[pipeline]

	mu            sync.Mutex
	telemetry     config.TelemetryConfig
	stopTelemetry func(context.Context) error
	closed        bool
}

func (h *hotPipeline) Run(ctx context.Context, job server.Job) (*extract.Result, error) {
	p := h.current.Load()
	if p == nil {
		return nil, errors.New("pipeline is not ready")
	}
	return p.Run(ctx, job)
}

// onReload rebuilds the pipeline from each valid reload. Failed reloads
// leave the running pipeline in place.
func (h *hotPipeline) onReload(ctx context.Context, ov overrides, engineLog, reloadLog *log.Logger) config.ReloadFunc {
	return func(cfg *config.Config, err error) {
		if err != nil {
			reloadLog.Printf("settings reload: %v", err)
			return
		}
		next := *cfg
		applyOverrides(&next, ov)
		if err := config.NewDefaultValidator().Validate(&next); err != nil {
			reloadLog.Printf("settings reload: %v", err)
			return
		}
		p, err := newPipeline(ctx, &next, engineLog)
		if err != nil {
			reloadLog.Printf("settings reload: %v", err)
			return
		}
		changed, err := h.applyTelemetry(next.Telemetry)
		if err != nil {
			reloadLog.Printf("settings reload: %v", err)
			return
		}
		h.current.Store(p)
		reloadLog.Printf("settings reloaded from %s (%s)", next.SourcePath, shortHash(next.SourceHash))
		if changed {
			reloadLog.Printf("telemetry settings applied (enabled=%t)", next.Telemetry.Enabled)
		}
	}
}

// applyTelemetry installs cfg unless it is already active and flushes the
// manager it replaces.
func (h *hotPipeline) applyTelemetry(cfg config.TelemetryConfig) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.stopTelemetry != nil && reflect.DeepEqual(h.telemetry, cfg) {
		return false, nil
	}
	stop, err := telemetrySetup(cfg)
	if err != nil {
		return false, err
	}
	prev := h.stopTelemetry
	h.telemetry, h.stopTelemetry = cfg, stop
	if prev != nil {
		flushTelemetry(prev)
	}
	return true, nil
}

func (h *hotPipeline) closeTelemetry() {
	h.mu.Lock()
	stop := h.stopTelemetry
	h.stopTelemetry, h.closed = nil, true
	h.mu.Unlock()
	if stop != nil {
		flushTelemetry(stop)
	}
}

func flushTelemetry(stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = stop(ctx)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func buildMux(runner server.Runner) http.Handler {
	srv := server.New(runner)
	r := chi.NewRouter()
	r.Mount("/api", srv)
	r.Handle("/health", srv)
	return r
}
