package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/kiln/pkg/api"
)

// ConfigCandidates are looked up in the project root, in order, when no
// config path is given.
var ConfigCandidates = []string{"kiln.yaml", "kiln.yml", "kiln.toml"}

// Config is the project configuration. Root is set by LoadConfig and never
// read from the file.
type Config struct {
	Root   string `yaml:"-" toml:"-"`
	Output string `yaml:"output" toml:"output"`

	Server struct {
		Host            string `yaml:"host" toml:"host"`
		Port            int    `yaml:"port" toml:"port"`
		SSI             bool   `yaml:"ssi" toml:"ssi"`
		SSIExt          string `yaml:"ssi_ext" toml:"ssi_ext"`
		ReloadOnRestart bool   `yaml:"reload_on_restart" toml:"reload_on_restart"`
	} `yaml:"server" toml:"server"`

	Watch struct {
		DebounceMS int      `yaml:"debounce_ms" toml:"debounce_ms"`
		Ignore     []string `yaml:"ignore,omitempty" toml:"ignore,omitempty"`
	} `yaml:"watch" toml:"watch"`

	Tasks []api.TaskSpec `yaml:"tasks" toml:"tasks"`
	Lint  []api.LintSpec `yaml:"lint" toml:"lint"`

	Deploy struct {
		Host           string `yaml:"host,omitempty" toml:"host,omitempty"`
		Port           int    `yaml:"port" toml:"port"`
		User           string `yaml:"user,omitempty" toml:"user,omitempty"`
		KeyPath        string `yaml:"key_path,omitempty" toml:"key_path,omitempty"`
		KnownHosts     string `yaml:"known_hosts,omitempty" toml:"known_hosts,omitempty"`
		RemoteDir      string `yaml:"remote_dir,omitempty" toml:"remote_dir,omitempty"`
		Retries        int    `yaml:"retries" toml:"retries"`
		TimeoutSeconds int    `yaml:"timeout_seconds" toml:"timeout_seconds"`
		TrustNewHosts  bool   `yaml:"trust_new_hosts" toml:"trust_new_hosts"`
	} `yaml:"deploy" toml:"deploy"`

	Telemetry struct {
		Enabled bool `yaml:"enabled" toml:"enabled"`
	} `yaml:"telemetry" toml:"telemetry"`

	State struct {
		Path string `yaml:"path" toml:"path"`
	} `yaml:"state" toml:"state"`
}

// DefaultConfig mirrors the conventional src/ -> dist/ layout.
func DefaultConfig() Config {
	var cfg Config
	cfg.Output = "dist"
	cfg.Server.Host = "localhost"
	cfg.Server.Port = 4000
	cfg.Server.SSI = true
	cfg.Server.SSIExt = ".html"
	cfg.Server.ReloadOnRestart = true
	cfg.Watch.DebounceMS = 50
	cfg.Deploy.Port = 22
	cfg.Deploy.Retries = 3
	cfg.Deploy.TimeoutSeconds = 15
	cfg.Telemetry.Enabled = true
	cfg.State.Path = ".kiln/state.db"

	cfg.Tasks = []api.TaskSpec{
		{
			Name:        "json",
			Description: "Merge data files into setting.json",
			Transformer: "jsonmerge",
			Src:         []string{"src/assets/data/**/*.json"},
			Dest:        "dist/assets/data",
			Options:     map[string]any{"file": "setting.json"},
		},
		{
			Name:        "ejs",
			Description: "Render templates with the merged data",
			Transformer: "ejs",
			Src:         []string{"src/ejs/**/*.ejs", "!src/ejs/**/_*.ejs", "!src/ejs/temp/**"},
			Base:        "src/ejs",
			Dest:        "dist",
			Needs:       []string{"json"},
			Watch:       []string{"src/ejs/**/_*.ejs"},
			Options:     map[string]any{"data": "dist/assets/data/setting.json"},
		},
		{
			Name:        "pages",
			Description: "Render one page per record of template.json",
			Transformer: "ejs",
			Src:         []string{"src/ejs/temp/template.ejs"},
			Base:        "src/ejs/temp",
			Dest:        "dist/temp",
			Watch:       []string{"src/assets/data/template.json", "src/ejs/**/_*.ejs"},
			Options: map[string]any{
				"pages": map[string]any{"data": "src/assets/data/template.json", "key": "pages", "id": "id"},
			},
		},
		{
			Name:        "sass",
			Description: "Compile stylesheets with the sass CLI",
			Transformer: "exec",
			Src:         []string{"src/assets/scss/**/*.scss"},
			Base:        "src/assets/scss",
			Dest:        "dist/assets/css",
			Maps:        "maps",
			Options: map[string]any{
				"command":       "sass",
				"args":          []any{"--style=compressed", "--load-path=src/assets/scss", "{in}", "{out}"},
				"ext":           ".css",
				"skip_partials": true,
			},
		},
		{
			Name:        "js",
			Description: "Minify scripts",
			Transformer: "minify",
			Src:         []string{"src/assets/js/**/*.js"},
			Base:        "src/assets/js",
			Dest:        "dist/assets/js",
		},
		{
			Name:        "img",
			Description: "Recompress images",
			Transformer: "imagemin",
			Src:         []string{"src/assets/img/**/*"},
			Base:        "src/assets/img",
			Dest:        "dist/assets/img",
			Incremental: true,
			Options:     map[string]any{"quality": 80},
		},
	}
	cfg.Lint = []api.LintSpec{
		{Name: "markup", Linter: "htmlhint", Src: []string{"dist/**/*.html"}},
		{Name: "style", Linter: "csslint", Src: []string{"dist/assets/**/*.css"}},
		{Name: "script", Linter: "eslint", Src: []string{"dist/assets/**/*.js"}},
	}
	return cfg
}

// LoadConfig reads the project configuration. If path is empty, it looks for
// ConfigCandidates in root and falls back to DefaultConfig. The returned
// string is the file that was read, or "" for the defaults. Values absent
// from the file keep their defaults; tasks and lint stages, when present,
// replace the default lists.
func LoadConfig(root, path string) (Config, string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Config{}, "", fmt.Errorf("resolve root: %w", err)
	}
	cfg := DefaultConfig()
	cfg.Root = abs

	if path == "" {
		for _, c := range ConfigCandidates {
			p := filepath.Join(abs, c)
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(abs, path)
	}

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, "", fmt.Errorf("read config: %w", err)
		}
		defaults := cfg
		cfg.Tasks, cfg.Lint = nil, nil
		if err := decodeConfig(path, content, &cfg); err != nil {
			return Config{}, "", fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
		}
		if cfg.Tasks == nil {
			cfg.Tasks = defaults.Tasks
		}
		if cfg.Lint == nil {
			cfg.Lint = defaults.Lint
		}
		cfg.Root = abs
	}

	secrets, err := LoadSecretsEnv(filepath.Join(abs, "secrets.env"))
	if err != nil {
		return Config{}, "", err
	}
	applyDeployOverrides(&cfg, secrets)

	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

func decodeConfig(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.Unmarshal(content, cfg)
	case ".yaml", ".yml", "":
		return yaml.Unmarshal(content, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// Validate checks the settings that cannot be defaulted. Task graph errors
// are reported by the Orchestrator.
func (c Config) Validate() error {
	var errs []error
	if c.Output == "" {
		errs = append(errs, errors.New("output directory is required"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port out of range: %d", c.Server.Port))
	}
	if c.Watch.DebounceMS < 0 {
		errs = append(errs, fmt.Errorf("watch debounce must not be negative: %d", c.Watch.DebounceMS))
	}
	if len(c.Tasks) == 0 {
		errs = append(errs, errors.New("no tasks declared"))
	}
	seen := map[string]bool{}
	for _, l := range c.Lint {
		if l.Name == "" {
			errs = append(errs, errors.New("lint stage name is required"))
			continue
		}
		if seen[l.Name] {
			errs = append(errs, fmt.Errorf("duplicate lint stage: %s", l.Name))
		}
		seen[l.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Debounce returns the watch debounce delay.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}

// Abs resolves a project-relative path.
func (c Config) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.Root, filepath.FromSlash(rel))
}

// OutputDir is the absolute output directory served and deployed.
func (c Config) OutputDir() string { return c.Abs(c.Output) }

// StatePath is the absolute ledger database path.
func (c Config) StatePath() string { return c.Abs(c.State.Path) }

// WriteDefaultConfig writes DefaultConfig to path, as TOML for a .toml
// extension and YAML otherwise. It refuses to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}
	cfg := DefaultConfig()
	var (
		content []byte
		err     error
	)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		content, err = toml.Marshal(cfg)
	} else {
		content, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
