package api

// v0 contains the declarative types read from kiln.yaml / kiln.toml.

// TaskSpec declares one transform task.
type TaskSpec struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	// Transformer names a registered transformer (ejs, jsonmerge, minify, imagemin, exec, copy).
	Transformer string `json:"transformer" yaml:"transformer" toml:"transformer"`
	// Src lists glob patterns relative to the project root. Patterns starting
	// with "!" exclude matches.
	Src []string `json:"src" yaml:"src" toml:"src"`
	// Base is the directory output paths are made relative to. Defaults to the
	// static prefix of the first Src pattern.
	Base string `json:"base,omitempty" yaml:"base,omitempty" toml:"base,omitempty"`
	// Dest is the output directory relative to the project root.
	Dest string `json:"dest" yaml:"dest" toml:"dest"`
	// Needs names upstream tasks whose results must succeed first.
	Needs []string `json:"needs,omitempty" yaml:"needs,omitempty" toml:"needs,omitempty"`
	// Watch adds glob patterns that re-trigger the task besides Src.
	Watch []string `json:"watch,omitempty" yaml:"watch,omitempty" toml:"watch,omitempty"`
	// NoWatch disables the watch binding for this task.
	NoWatch bool `json:"no_watch,omitempty" yaml:"no_watch,omitempty" toml:"no_watch,omitempty"`
	// Incremental enables the change detector.
	Incremental bool `json:"incremental,omitempty" yaml:"incremental,omitempty" toml:"incremental,omitempty"`
	// Maps is the source map subdirectory inside Dest.
	Maps    string         `json:"maps,omitempty" yaml:"maps,omitempty" toml:"maps,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty" toml:"options,omitempty"`
}

// LintSpec declares one stage of the lint chain.
type LintSpec struct {
	Name    string            `json:"name" yaml:"name" toml:"name"`
	Linter  string            `json:"linter" yaml:"linter" toml:"linter"`
	Src     []string          `json:"src" yaml:"src" toml:"src"`
	Rules   map[string]string `json:"rules,omitempty" yaml:"rules,omitempty" toml:"rules,omitempty"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
}

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)
