package gc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"github.com/tinygo-org/blockgc/heap"
	"gopkg.in/yaml.v2"
)

// OptionsEnv is the environment variable read by ConfigFromEnv.
const OptionsEnv = "BLOCKGC_OPTIONS"

// Config configures a Collector.
type Config struct {
	// InitialHeap is the usable heap size at start. The heap doubles when it
	// runs out of space, up to MaxHeap, which is reserved up front.
	InitialHeap uintptr
	MaxHeap     uintptr

	// Threshold is the number of bytes allocated after which the next
	// allocation starts a collection. Zero collects only when the heap is
	// full.
	Threshold uintptr

	// Asserts enables expensive consistency checks: every visited pointer
	// and freed pointer is verified against its header.
	Asserts bool

	// Disabled starts with automatic collection turned off.
	Disabled bool

	Logger *slog.Logger
	World  World
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		InitialHeap: 1 << 20,
		MaxHeap:     256 << 20,
	}
}

func (cfg Config) validate() error {
	if cfg.InitialHeap < heap.BytesPerBlock {
		return fmt.Errorf("gc: initial heap of %d bytes is too small", cfg.InitialHeap)
	}
	if cfg.MaxHeap < cfg.InitialHeap {
		return fmt.Errorf("gc: max heap %s is smaller than the initial heap %s",
			formatBytes(cfg.MaxHeap), formatBytes(cfg.InitialHeap))
	}
	return nil
}

// Set applies an option string such as
//
//	heap=1MB maxheap=64MB threshold=256KB asserts disabled=false
//
// Tokens are split with shell quoting rules. Boolean options without a
// value are set to true.
func (cfg *Config) Set(options string) error {
	tokens, err := shlex.Split(options)
	if err != nil {
		return fmt.Errorf("gc: options %q: %w", options, err)
	}
	for _, tok := range tokens {
		key, value, hasValue := strings.Cut(tok, "=")
		if err := cfg.setOption(key, value, hasValue); err != nil {
			return fmt.Errorf("gc: option %q: %w", tok, err)
		}
	}
	return nil
}

func (cfg *Config) setOption(key, value string, hasValue bool) error {
	switch key {
	case "heap", "maxheap", "threshold":
		if !hasValue {
			return errors.New("missing size")
		}
		size, err := parseSize(value)
		if err != nil {
			return err
		}
		switch key {
		case "heap":
			cfg.InitialHeap = size
		case "maxheap":
			cfg.MaxHeap = size
		case "threshold":
			cfg.Threshold = size
		}
	case "asserts", "disabled":
		b := true
		if hasValue {
			var err error
			if b, err = strconv.ParseBool(value); err != nil {
				return err
			}
		}
		if key == "asserts" {
			cfg.Asserts = b
		} else {
			cfg.Disabled = b
		}
	default:
		return errors.New("unknown option")
	}
	return nil
}

// parseSize accepts plain byte counts as well as sizes like 64KB or 1.5MB.
func parseSize(s string) (uintptr, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return uintptr(n), nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	return uintptr(b), nil
}

// ParseOptions returns the default configuration with options applied.
func ParseOptions(options string) (Config, error) {
	cfg := DefaultConfig()
	err := cfg.Set(options)
	return cfg, err
}

// ConfigFromEnv returns the default configuration with the options in the
// BLOCKGC_OPTIONS environment variable applied.
func ConfigFromEnv() (Config, error) {
	return ParseOptions(os.Getenv(OptionsEnv))
}

// configFile is the YAML form of Config. Sizes are strings so they can carry
// a unit.
type configFile struct {
	Heap      string `yaml:"heap"`
	MaxHeap   string `yaml:"maxheap"`
	Threshold string `yaml:"threshold"`
	Asserts   *bool  `yaml:"asserts"`
	Disabled  *bool  `yaml:"disabled"`
}

// LoadConfig reads a YAML configuration file with the same keys as the
// option string. Missing keys keep their default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var f configFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return cfg, fmt.Errorf("gc: %s: %w", path, err)
	}
	for _, opt := range []struct {
		key   string
		value string
	}{
		{"heap", f.Heap},
		{"maxheap", f.MaxHeap},
		{"threshold", f.Threshold},
	} {
		if opt.value == "" {
			continue
		}
		if err := cfg.setOption(opt.key, opt.value, true); err != nil {
			return cfg, fmt.Errorf("gc: %s: %s: %w", path, opt.key, err)
		}
	}
	if f.Asserts != nil {
		cfg.Asserts = *f.Asserts
	}
	if f.Disabled != nil {
		cfg.Disabled = *f.Disabled
	}
	return cfg, nil
}
