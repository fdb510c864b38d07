package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SourceMapEntry remaps a source path prefix pattern. A nil To suppresses
// matching sources instead of remapping them.
type SourceMapEntry struct {
	From string  `mapstructure:"from"`
	To   *string `mapstructure:"to"`
}

// Settings holds adapter behavior configured outside any single debug
// session. Per-session launch configuration and client-sent adapter
// settings override these.
type Settings struct {
	// Expressions is the dialect used when an expression carries no
	// prefix: simple, lua or native.
	Expressions string `mapstructure:"expressions"`

	// ShowDisassembly controls when stack frames resolve to disassembly:
	// never, auto (only without source) or always.
	ShowDisassembly string `mapstructure:"show_disassembly"`

	// DisplayFormat is the default value rendering: auto, hex, decimal
	// or binary.
	DisplayFormat string `mapstructure:"display_format"`

	// DereferencePointers shows pointee summaries and synthesizes a
	// pointee child for pointer values.
	DereferencePointers bool `mapstructure:"dereference_pointers"`

	// SuppressMissingSources drops source references whose mapped file
	// does not exist on disk instead of sending a dangling path.
	SuppressMissingSources bool `mapstructure:"suppress_missing_sources"`

	// EvaluateForHovers enables evaluation of hover requests.
	EvaluateForHovers bool `mapstructure:"evaluate_for_hovers"`

	// CommandCompletions enables backend command completion in the
	// debug console.
	CommandCompletions bool `mapstructure:"command_completions"`

	// ConsoleMode selects how unprefixed console input is interpreted:
	// commands or evaluate.
	ConsoleMode string `mapstructure:"console_mode"`

	// SourceMap is applied before any launch-configured remapping.
	SourceMap []SourceMapEntry `mapstructure:"source_map"`

	// LaunchDefaults is a JSON object merged into every launch and
	// attach configuration for keys the configuration does not set.
	// It stays a raw string because its keys, environment variable
	// names among them, are case sensitive and must not go through
	// the case-folding config store.
	LaunchDefaults string `mapstructure:"launch_defaults"`
}

// Default returns the built-in settings.
func Default() *Settings {
	return &Settings{
		Expressions:        "simple",
		ShowDisassembly:    "auto",
		DisplayFormat:      "auto",
		EvaluateForHovers:  true,
		CommandCompletions: true,
		ConsoleMode:        "commands",
	}
}

// Load reads settings from the standard locations, overridden by
// SPYGLASS_* environment variables. A missing file yields defaults.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetConfigName("spyglass")
	v.SetConfigType("yaml")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "spyglass"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("SPYGLASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return load(v)
}

// LoadFile reads settings from a specific file.
func LoadFile(path string) (*Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return unmarshal(v)
}

func load(v *viper.Viper) (*Settings, error) {
	cfg := Default()
	v.SetDefault("expressions", cfg.Expressions)
	v.SetDefault("show_disassembly", cfg.ShowDisassembly)
	v.SetDefault("display_format", cfg.DisplayFormat)
	v.SetDefault("evaluate_for_hovers", cfg.EvaluateForHovers)
	v.SetDefault("command_completions", cfg.CommandCompletions)
	v.SetDefault("console_mode", cfg.ConsoleMode)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Settings, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum fields and the launch-defaults JSON.
func (s *Settings) Validate() error {
	if err := checkEnum("expressions", s.Expressions, "simple", "lua", "native"); err != nil {
		return err
	}
	if err := checkEnum("show_disassembly", s.ShowDisassembly, "never", "auto", "always"); err != nil {
		return err
	}
	if err := checkEnum("display_format", s.DisplayFormat, "auto", "hex", "decimal", "binary"); err != nil {
		return err
	}
	if err := checkEnum("console_mode", s.ConsoleMode, "commands", "evaluate"); err != nil {
		return err
	}
	if s.LaunchDefaults != "" {
		if !gjson.Valid(s.LaunchDefaults) || !gjson.Parse(s.LaunchDefaults).IsObject() {
			return fmt.Errorf("%w: launch_defaults must be a JSON object", ErrInvalidSetting)
		}
	}
	return nil
}

func checkEnum(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q (want one of %s)", ErrInvalidSetting, name, value, strings.Join(allowed, ", "))
}

// MergeLaunchDefaults copies every top-level key of the defaults object
// into the raw launch configuration unless the configuration already
// sets that key. Present keys always win, so a configured value is never
// overwritten, not even by a deeper default object.
func MergeLaunchDefaults(launch []byte, defaults string) ([]byte, error) {
	if defaults == "" {
		return launch, nil
	}
	merged := launch
	var mergeErr error
	gjson.Parse(defaults).ForEach(func(key, value gjson.Result) bool {
		path := strings.ReplaceAll(key.String(), ".", `\.`)
		if gjson.GetBytes(merged, path).Exists() {
			return true
		}
		out, err := sjson.SetRawBytes(merged, path, []byte(value.Raw))
		if err != nil {
			mergeErr = fmt.Errorf("merge launch defaults: %w", err)
			return false
		}
		merged = out
		return true
	})
	if mergeErr != nil {
		return nil, mergeErr
	}
	return merged, nil
}
