// Package config loads the gtpbot configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/gtpbot/internal/files"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "GTPBOT_"

	DefaultListen          = "127.0.0.1:2718"
	DefaultCacheTTL        = 10 * time.Hour
	DefaultResponseTimeout = 20 * time.Second
	DefaultSettleDelay     = 1 * time.Second
	DefaultPassReplayLimit = 20
	DefaultAnalyzeInterval = 100
)

// FileNames are searched for, in order, when no config path is given.
var FileNames = []string{"gtpbot.toml", "gtpbot.yaml", "gtpbot.yml"}

// Duration is a time.Duration written as text, e.g. "20s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

type Config struct {
	Listen    string   `toml:"listen" yaml:"listen"`
	StaticDir string   `toml:"static_dir" yaml:"static_dir"`
	CacheTTL  Duration `toml:"cache_ttl" yaml:"cache_ttl"`
	Verbose   bool     `toml:"verbose" yaml:"verbose"`

	Bots map[string]*Bot `toml:"bots" yaml:"bots"`

	// path is where the config was loaded from; relative paths in it are resolved against its dir.
	path string
}

// Bot describes one engine process.
type Bot struct {
	// Command is the engine command line. It is split like a shell would, with $VARS expanded.
	Command string `toml:"command" yaml:"command"`
	// Model and Config are appended as -model and -config when set. Relative host paths are resolved
	// against the config file's directory.
	Model   string `toml:"model" yaml:"model"`
	Config  string `toml:"config" yaml:"config"`
	Dir     string `toml:"dir" yaml:"dir"`

	// Image runs the command in a Docker container from this image instead of on the host.
	Image    string   `toml:"image" yaml:"image"`
	// Binds are Docker bind mounts, "host:container[:ro]", e.g. for the model.
	Binds    []string `toml:"binds" yaml:"binds"`
	// Platform is an optional image platform, "os/arch[/variant]".
	Platform string   `toml:"platform" yaml:"platform"`

	ResponseTimeout Duration `toml:"response_timeout" yaml:"response_timeout"`
	SettleDelay     Duration `toml:"settle_delay" yaml:"settle_delay"`
	PassReplayLimit *int     `toml:"pass_replay_limit" yaml:"pass_replay_limit"`
	AnalyzeInterval int      `toml:"analyze_interval" yaml:"analyze_interval"`
}

// Default returns the configuration used when there is no file.
func Default() *Config {
	c := &Config{Bots: map[string]*Bot{}}
	c.ApplyDefaults()
	return c
}

// Find returns the nearest config file at or above dir, or "" if there is none.
func Find(dir string) (string, error) {
	p, err := files.FindUp(dir, FileNames...)
	if err != nil {
		return "", fmt.Errorf("searching for config: %w", err)
	}
	return p, nil
}

// Load reads the file at path, picking the format from its extension.
// Environment overrides and defaults are applied afterwards.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	c := &Config{path: path}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(b), c)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in %s: %v", path, undecoded)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	return c, nil
}

// ApplyEnv overrides top-level settings from GTPBOT_LISTEN, GTPBOT_STATIC_DIR,
// GTPBOT_CACHE_TTL and GTPBOT_VERBOSE. GTPBOT_<BOT>_COMMAND and
// GTPBOT_<BOT>_MODEL override the matching fields of an existing bot.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := lookup(EnvPrefix + "STATIC_DIR"); ok {
		c.StaticDir = v
	}
	if v, ok := lookup(EnvPrefix + "CACHE_TTL"); ok {
		if err := c.CacheTTL.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("parsing %sCACHE_TTL: %w", EnvPrefix, err)
		}
	}
	if v, ok := lookup(EnvPrefix + "VERBOSE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing %sVERBOSE: %w", EnvPrefix, err)
		}
		c.Verbose = b
	}
	for name, b := range c.Bots {
		if b == nil {
			continue
		}
		key := EnvPrefix + envName(name) + "_"
		if v, ok := lookup(key + "COMMAND"); ok {
			b.Command = v
		}
		if v, ok := lookup(key + "MODEL"); ok {
			b.Model = v
		}
	}
	return nil
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

// ApplyDefaults fills unset fields. Load calls it; call it again after adding bots by hand.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.CacheTTL.Duration == 0 {
		c.CacheTTL.Duration = DefaultCacheTTL
	}
	if c.StaticDir != "" {
		c.StaticDir = c.resolve(c.StaticDir)
	}
	for _, b := range c.Bots {
		if b == nil {
			continue
		}
		if b.ResponseTimeout.Duration == 0 {
			b.ResponseTimeout.Duration = DefaultResponseTimeout
		}
		if b.SettleDelay.Duration == 0 {
			b.SettleDelay.Duration = DefaultSettleDelay
		}
		if b.PassReplayLimit == nil {
			n := DefaultPassReplayLimit
			b.PassReplayLimit = &n
		}
		if b.AnalyzeInterval == 0 {
			b.AnalyzeInterval = DefaultAnalyzeInterval
		}
		if b.Dir != "" {
			b.Dir = c.resolve(b.Dir)
		}
		// container paths belong to the image, not the host
		if b.Image == "" {
			if b.Model != "" {
				b.Model = c.resolve(b.Model)
			}
			if b.Config != "" {
				b.Config = c.resolve(b.Config)
			}
		}
	}
}

func (c *Config) resolve(p string) string {
	if c.path == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// Path is the file the config was loaded from, or "" for Default.
func (c *Config) Path() string {
	return c.path
}

// BotNames returns the configured bot names, sorted.
func (c *Config) BotNames() []string {
	var names []string
	for n := range c.Bots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Validate() error {
	if len(c.Bots) == 0 {
		return errors.New("no bots configured")
	}
	for _, name := range c.BotNames() {
		b := c.Bots[name]
		if b == nil || strings.TrimSpace(b.Command) == "" {
			return fmt.Errorf("bot %q has no command", name)
		}
		if *b.PassReplayLimit < 0 {
			return fmt.Errorf("bot %q: pass_replay_limit must not be negative", name)
		}
		if b.AnalyzeInterval < 0 {
			return fmt.Errorf("bot %q: analyze_interval must not be negative", name)
		}
	}
	return nil
}

// Argv builds the engine's argument vector. getenv expands $VARS in Command; nil means os.Getenv.
func (b *Bot) Argv(getenv func(string) string) ([]string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	argv, err := shell.Fields(b.Command, getenv)
	if err != nil {
		return nil, fmt.Errorf("splitting command %q: %w", b.Command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if b.Model != "" {
		argv = append(argv, "-model", b.Model)
	}
	if b.Config != "" {
		argv = append(argv, "-config", b.Config)
	}
	return argv, nil
}
