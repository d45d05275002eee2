package gc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseOptions(t *testing.T) {
	cfg, err := ParseOptions(`heap=64KB maxheap='2 MB' threshold=4096 asserts disabled=false`)
	if err != nil {
		t.Fatalf("ParseOptions returned %v", err)
	}
	if cfg.InitialHeap != 64<<10 || cfg.MaxHeap != 2<<20 || cfg.Threshold != 4096 {
		t.Errorf("ParseOptions returned sizes %d, %d, %d, want %d, %d, 4096", cfg.InitialHeap, cfg.MaxHeap, cfg.Threshold, 64<<10, 2<<20)
	}
	if !cfg.Asserts || cfg.Disabled {
		t.Errorf("ParseOptions returned asserts=%v disabled=%v, want true, false", cfg.Asserts, cfg.Disabled)
	}

	cfg, err = ParseOptions("")
	if err != nil || cfg != DefaultConfig() {
		t.Errorf("ParseOptions(\"\") returned %+v, %v, want the default", cfg, err)
	}

	for _, bad := range []string{"heap", "heap=lots", "asserts=maybe", "color=on", `heap="1MB`} {
		if _, err := ParseOptions(bad); err == nil {
			t.Errorf("ParseOptions(%q) returned no error", bad)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(OptionsEnv, "disabled threshold=1KB")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv returned %v", err)
	}
	if !cfg.Disabled || cfg.Threshold != 1<<10 {
		t.Errorf("ConfigFromEnv returned disabled=%v threshold=%d, want true, 1024", cfg.Disabled, cfg.Threshold)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	defer c.Close()
	if c.Enabled() {
		t.Errorf("collector created with disabled=true is enabled")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gc.yaml")
	os.WriteFile(path, []byte("heap: 128KB\nmaxheap: 4MB\nasserts: true\n"), 0o644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned %v", err)
	}
	want := DefaultConfig()
	want.InitialHeap = 128 << 10
	want.MaxHeap = 4 << 20
	want.Asserts = true
	if cfg != want {
		t.Errorf("LoadConfig returned %+v, want %+v", cfg, want)
	}

	os.WriteFile(path, []byte("heap: 128KB\ncolour: true\n"), 0o644)
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("LoadConfig accepted an unknown key")
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("LoadConfig of a missing file returned no error")
	}
}

func TestNewInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{InitialHeap: 0, MaxHeap: 1 << 20},
		{InitialHeap: 1 << 20, MaxHeap: 1 << 10},
	} {
		if c, err := New(cfg); err == nil {
			c.Close()
			t.Errorf("New(%+v) returned no error", cfg)
		}
	}
}
