package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCLIDispatch(t *testing.T) {
	var errOut bytes.Buffer
	streams := ioStreams{out: io.Discard, err: &errOut}
	if err := runCLI(context.Background(), nil, streams); err == nil || err.Error() != "missing command" {
		t.Fatalf("expected missing command, got %v", err)
	}
	if !strings.Contains(errOut.String(), "extract-urls") {
		t.Fatalf("usage does not list extract-urls: %s", errOut.String())
	}
	if err := runCLI(context.Background(), []string{"frobnicate"}, streams); err == nil {
		t.Fatal("expected unknown command error")
	}
	if err := runCLI(context.Background(), []string{"help"}, streams); err != nil {
		t.Fatalf("help: %v", err)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := runCLI(context.Background(), []string{"--config", cfgPath, "config", "init"}, streams); err != nil {
		t.Fatalf("config init via runCLI: %v", err)
	}
}
