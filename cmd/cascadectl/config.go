package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cexll/llmcascade/pkg/backend"
	"github.com/cexll/llmcascade/pkg/config"
	"github.com/cexll/llmcascade/pkg/model"
	"github.com/cexll/llmcascade/pkg/workflow/extract"
)

const (
	configDirName    = ".llmcascade"
	configFileName   = "config.json"
	settingsFileName = "settings.yaml"
)

// cliConfig holds per-user defaults. Settings points at a pipeline settings
// file that takes precedence over the inline backend fields.
type cliConfig struct {
	Backend  string `json:"backend,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	Settings string `json:"settings,omitempty"`
}

// cliKey is one editable CLI config entry. parse canonicalizes a value
// before it is stored and rejects values the pipeline could not use.
type cliKey struct {
	name   string
	secret bool
	field  func(*cliConfig) *string
	parse  func(string) (string, error)
}

var cliKeys = []cliKey{
	{name: "backend", field: func(c *cliConfig) *string { return &c.Backend }, parse: parseBackendKind},
	{name: "model", field: func(c *cliConfig) *string { return &c.Model }},
	{name: "api_key", secret: true, field: func(c *cliConfig) *string { return &c.APIKey }},
	{name: "base_url", field: func(c *cliConfig) *string { return &c.BaseURL }, parse: parseBaseURL},
	{name: "settings", field: func(c *cliConfig) *string { return &c.Settings }, parse: resolveSettingsPath},
}

func lookupKey(name string) (cliKey, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, k := range cliKeys {
		if k.name == name {
			return k, nil
		}
	}
	names := make([]string, len(cliKeys))
	for i, k := range cliKeys {
		names[i] = k.name
	}
	return cliKey{}, fmt.Errorf("unknown config key %q (want one of %s)", name, strings.Join(names, ", "))
}

func parseBackendKind(v string) (string, error) {
	kind, err := backend.ParseKind(v)
	return string(kind), err
}

func parseBaseURL(v string) (string, error) {
	u, err := url.Parse(v)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base_url %q is not an absolute url", v)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func resolveSettingsPath(v string) (string, error) {
	loader, err := settingsLoader(v)
	if err != nil {
		return "", err
	}
	return loader.Path(), nil
}

// settingsLoader opens the pipeline settings at path, expanding a leading ~.
func settingsLoader(path string) (*config.Loader, error) {
	expanded, err := expandHome(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	return config.NewLoader(expanded)
}

func configCommand(argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("config", flag.ContinueOnError)
	set.SetOutput(streams.err)
	configFlag := set.String("config", cfgPath, "Path to CLI config file.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: cascadectl config [flags] <init|set|get|list|check> ...")
		fmt.Fprintln(streams.err, "\nCommands:")
		fmt.Fprintln(streams.err, "  init [--backend kind] [--model name]")
		fmt.Fprintln(streams.err, "                   Write a CLI config and a starter settings file next to it")
		fmt.Fprintln(streams.err, "  set key value    Validate and store one key")
		fmt.Fprintln(streams.err, "  get key          Print one key")
		fmt.Fprintln(streams.err, "  list             Print every key, masking secrets")
		fmt.Fprintln(streams.err, "  check [path]     Load and validate the settings file")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	args := set.Args()
	if len(args) == 0 {
		set.Usage()
		return errors.New("config expects a subcommand")
	}
	path, err := cliConfigPath(*configFlag)
	if err != nil {
		return err
	}
	switch sub, rest := args[0], args[1:]; sub {
	case "init":
		return configInit(path, rest, streams)
	case "set":
		return configSet(path, rest, streams.out)
	case "get":
		return configGet(path, rest, streams.out)
	case "list":
		return configList(path, streams.out)
	case "check":
		return configCheck(path, rest, streams.out)
	default:
		return fmt.Errorf("unknown config subcommand %q", sub)
	}
}

// starterSettings is the pipeline settings file init writes: request and
// extraction defaults spelled out, telemetry present but off.
func starterSettings(kind model.Kind, modelName string) *config.Config {
	return &config.Config{
		Version: defaultSettingsVersion,
		Backend: config.BackendConfig{Kind: string(kind), Model: modelName, MaxRetries: 2},
		Request: config.RequestConfig{
			RetryAfterFailNTimes: 3,
			IncreaseLimitOnFail:  true,
			CachePrompt:          true,
			RetryBackoff:         config.Duration(500 * time.Millisecond),
		},
		Extract:   config.ExtractConfig{MaxURLs: extract.DefaultMaxURLs},
		Telemetry: config.TelemetryConfig{ServiceName: "cascadectl", SampleRatio: 1},
	}
}

func configInit(path string, argv []string, streams ioStreams) error {
	set := flag.NewFlagSet("config init", flag.ContinueOnError)
	set.SetOutput(streams.err)
	kindFlag := set.String("backend", string(model.KindLocal), "Backend kind for the starter settings.")
	modelFlag := set.String("model", "", "Model name (required for remote backends).")
	if err := set.Parse(argv); err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	kind, err := backend.ParseKind(*kindFlag)
	if err != nil {
		return err
	}
	settings := starterSettings(kind, strings.TrimSpace(*modelFlag))
	if err := config.NewDefaultValidator().Validate(settings); err != nil {
		return fmt.Errorf("starter settings: %w", err)
	}

	loader, err := settingsLoader(filepath.Join(filepath.Dir(path), settingsFileName))
	if err != nil {
		return err
	}
	if _, err := os.Stat(loader.Path()); errors.Is(err, fs.ErrNotExist) {
		data, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		data = append([]byte("# cascadectl pipeline settings\n"), data...)
		if err := writePrivate(loader.Path(), data); err != nil {
			return err
		}
		fmt.Fprintf(streams.out, "wrote %s\n", loader.Path())
	} else {
		fmt.Fprintf(streams.out, "keeping %s\n", loader.Path())
	}
	if _, err := loader.Load(); err != nil {
		return err
	}

	cli := cliConfig{Backend: string(kind), Model: settings.Backend.Model, Settings: loader.Path()}
	if err := writeCLIConfig(path, cli); err != nil {
		return err
	}
	fmt.Fprintf(streams.out, "wrote %s\n", path)
	return nil
}

func configSet(path string, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("config set requires <key> <value>")
	}
	key, err := lookupKey(args[0])
	if err != nil {
		return err
	}
	value := strings.TrimSpace(strings.Join(args[1:], " "))
	if key.parse != nil && value != "" {
		if value, err = key.parse(value); err != nil {
			return err
		}
	}
	cfg, err := readCLIConfig(path)
	if err != nil {
		return err
	}
	*key.field(&cfg) = value
	if err := writeCLIConfig(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s updated\n", key.name)
	return nil
}

func configGet(path string, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("config get requires a key")
	}
	key, err := lookupKey(args[0])
	if err != nil {
		return err
	}
	cfg, err := readCLIConfig(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, *key.field(&cfg))
	return nil
}

func configList(path string, out io.Writer) error {
	cfg, err := readCLIConfig(path)
	if err != nil {
		return err
	}
	for _, key := range cliKeys {
		value := *key.field(&cfg)
		if key.secret {
			value = maskSecret(value)
		}
		fmt.Fprintf(out, "%s=%s\n", key.name, value)
	}
	return nil
}

// configCheck loads the settings file named by args, or by the CLI
// config, through the same loader the pipeline uses.
func configCheck(path string, args []string, out io.Writer) error {
	target := ""
	if len(args) > 0 {
		target = args[0]
	} else {
		cfg, err := readCLIConfig(path)
		if err != nil {
			return err
		}
		target = cfg.Settings
	}
	if strings.TrimSpace(target) == "" {
		return errors.New("no settings file configured; run 'cascadectl config init' or pass a path")
	}
	loader, err := settingsLoader(target)
	if err != nil {
		return err
	}
	settings, err := loader.Load()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: version %s, backend %s, sha256 %s\n",
		loader.Path(), settings.Version, settings.Backend.Kind, settings.SourceHash[:12])
	return nil
}

func maskSecret(v string) string {
	keep := min(len(v), 4)
	if len(v) <= 4 {
		keep = 0
	}
	return v[:keep] + strings.Repeat("*", len(v)-keep)
}

// readCLIConfig returns the zero config when nothing has been written yet.
func readCLIConfig(path string) (cliConfig, error) {
	resolved, err := cliConfigPath(path)
	if err != nil {
		return cliConfig{}, err
	}
	var cfg cliConfig
	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cfg, nil
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	case len(strings.TrimSpace(string(data))) == 0:
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("parse %s: %w", resolved, err)
	}
	for _, key := range cliKeys {
		field := key.field(&cfg)
		*field = strings.TrimSpace(*field)
	}
	cfg.Backend = strings.ToLower(cfg.Backend)
	return cfg, nil
}

func writeCLIConfig(path string, cfg cliConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return writePrivate(path, append(data, '\n'))
}

func writePrivate(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return configFileName
	}
	return filepath.Join(home, configDirName, configFileName)
}

// cliConfigPath makes path absolute. Empty means the per-user default.
func cliConfigPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultConfigPath()
	}
	expanded, err := expandHome(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
