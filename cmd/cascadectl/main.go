package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// ioStreams wires stdin/stdout/stderr for commands and becomes injectable in tests.
type ioStreams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	streams := ioStreams{in: os.Stdin, out: os.Stdout, err: os.Stderr}
	if err := runCLI(ctx, os.Args[1:], streams); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(streams.err, err)
		}
		os.Exit(1)
	}
}

// command is one top-level subcommand.
type command struct {
	names   []string
	summary string
	run     func(ctx context.Context, args []string, cfgPath string, streams ioStreams) error
}

var commands = []command{
	{names: []string{"extract-urls", "extract"}, summary: "Extract the URLs that satisfy an instruction", run: extractCommand},
	{names: []string{"serve"}, summary: "Start the HTTP extraction server", run: serveCommand},
	{names: []string{"config"}, summary: "Manage the CLI config and pipeline settings", run: func(_ context.Context, args []string, cfgPath string, streams ioStreams) error {
		return configCommand(args, cfgPath, streams)
	}},
}

func findCommand(name string) (command, bool) {
	for _, cmd := range commands {
		for _, n := range cmd.names {
			if n == name {
				return cmd, true
			}
		}
	}
	return command{}, false
}

func runCLI(ctx context.Context, argv []string, streams ioStreams) error {
	global := flag.NewFlagSet("cascadectl", flag.ContinueOnError)
	global.SetOutput(streams.err)
	configPath := global.String("config", defaultConfigPath(), "Path to CLI config file.")
	global.Usage = func() {
		fmt.Fprintln(streams.err, "cascadectl - LLM cascade control surface")
		fmt.Fprintln(streams.err, "\nUsage:\n  cascadectl [global flags] <command> [args]")
		fmt.Fprintln(streams.err, "\nCommands:")
		for _, cmd := range commands {
			fmt.Fprintf(streams.err, "  %-14s%s\n", cmd.names[0], cmd.summary)
		}
		fmt.Fprintln(streams.err, "\nGlobal Flags:")
		global.PrintDefaults()
	}
	if err := global.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		return errors.New("missing command")
	}
	switch args[0] {
	case "help", "-h", "--help":
		global.Usage()
		return nil
	}
	cmd, ok := findCommand(args[0])
	if !ok {
		global.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(ctx, args[1:], *configPath, streams)
}
