package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/aarsakian/MediaImageForensics/errno"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log:
  enabled: true
mount:
  encoding: macintosh
  debug: true
  options:
    foo: bar
walk:
  checksums: [md5, blake3]
`))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Log.Enabled || cfg.Log.File != "logs.txt" {
		t.Fatalf("log %+v", cfg.Log)
	}
	if cfg.Walk.ChunkSize != 1<<20 || len(cfg.Walk.Checksums) != 2 {
		t.Fatalf("walk %+v", cfg.Walk)
	}
	if cfg.Export.Strategy != "overwrite" || cfg.Report.Format != "yaml" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	options := cfg.Mount.MountOptions()
	if options["debug"] != "true" || options["foo"] != "bar" {
		t.Fatalf("mount options %v", options)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]struct {
		content string
		want    error
	}{
		"syntax":     {"log: [", errno.InvalidData},
		"chunk size": {"walk:\n  chunk_size: -1\n", errno.InvalidArgument},
		"encoding":   {"mount:\n  encoding: klingon\n", errno.InvalidArgument},
	}
	for name, tc := range cases {
		if _, err := Load(writeConfig(t, tc.content)); !errors.Is(err, tc.want) {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}

func TestResolveEncoding(t *testing.T) {
	cases := map[string]any{
		"cp437":      charmap.CodePage437,
		"MACINTOSH":  charmap.Macintosh,
		"iso-8859-1": charmap.ISO8859_1,
		"utf-8":      unicode.UTF8,
	}
	for name, want := range cases {
		enc, err := ResolveEncoding(name)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if enc != want {
			t.Errorf("%s resolved to %v", name, enc)
		}
	}
	if enc, err := ResolveEncoding(""); enc != nil || err != nil {
		t.Errorf("empty name: %v %v", enc, err)
	}
}
