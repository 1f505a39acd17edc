package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cexll/llmcascade/pkg/backend"
	"github.com/cexll/llmcascade/pkg/config"
	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/model/modeltest"
	"github.com/cexll/llmcascade/pkg/workflow/extract"
)

// scriptedExtractor accepts the URL named by accept and then reports that
// nothing else qualifies.
func scriptedExtractor(accept string) *modeltest.Backend {
	var (
		mu     sync.Mutex
		picked bool
	)
	b := modeltest.New()
	b.Handler = func(req *model.Request) (*model.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		open := req.Messages[len(req.Messages)-1].Content
		done := func(content string) (*model.Response, error) {
			return &model.Response{Content: content, FinishReason: model.MatchingStop(req.StopSequences.Done)}, nil
		}
		switch {
		case req.StopSequences.NoResult == extract.NoResultStopWord:
			if picked {
				return &model.Response{FinishReason: model.MatchingStop(extract.NoResultStopWord)}, nil
			}
			picked = true
			return done(accept)
		case open != "Criteria: " && strings.HasSuffix(open, ": "):
			return done("true")
		default:
			return done("a tutorial site")
		}
	}
	return b
}

// useBackend swaps the backend factory for the duration of the test and
// returns the captured configs.
func useBackend(t *testing.T, b model.Backend) *backendCalls {
	t.Helper()
	calls := &backendCalls{}
	original := backendFactory
	backendFactory = func(_ context.Context, cfg backend.Config) (model.Backend, error) {
		calls.record(cfg)
		return b, nil
	}
	t.Cleanup(func() { backendFactory = original })
	return calls
}

type backendCalls struct {
	n    atomic.Int32
	mu   sync.Mutex
	last backend.Config
}

func (c *backendCalls) record(cfg backend.Config) {
	c.mu.Lock()
	c.last = cfg
	c.mu.Unlock()
	c.n.Add(1)
}

func (c *backendCalls) lastConfig() backend.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// useTelemetry swaps the telemetry installer for one that records the
// configs it is given and how many installs were flushed.
func useTelemetry(t *testing.T) *telemetryCalls {
	t.Helper()
	calls := &telemetryCalls{}
	original := telemetrySetup
	telemetrySetup = func(cfg config.TelemetryConfig) (func(context.Context) error, error) {
		calls.mu.Lock()
		calls.configs = append(calls.configs, cfg)
		calls.mu.Unlock()
		return func(context.Context) error {
			calls.stopped.Add(1)
			return nil
		}, nil
	}
	t.Cleanup(func() { telemetrySetup = original })
	return calls
}

type telemetryCalls struct {
	mu      sync.Mutex
	configs []config.TelemetryConfig
	stopped atomic.Int32
}

func (c *telemetryCalls) applied() []config.TelemetryConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]config.TelemetryConfig(nil), c.configs...)
}

func writeSettings(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
}

func settingsPath(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	writeSettings(t, path, body)
	return path
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForAddress(t *testing.T, buf *syncBuffer, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	const marker = "cascadectl serve listening on http://"
	for time.Now().Before(deadline) {
		output := buf.String()
		idx := strings.LastIndex(output, marker)
		if idx >= 0 {
			start := idx + len(marker)
			end := strings.Index(output[start:], "\n")
			if end < 0 {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return strings.TrimSpace(output[start : start+end])
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server address not reported in time")
	return ""
}
