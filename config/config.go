// Package config loads the YAML defaults the command line falls back on.
package config

import (
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"gopkg.in/yaml.v3"

	"github.com/aarsakian/MediaImageForensics/errno"
)

type Config struct {
	Log    LogConfig    `yaml:"log"`
	Mount  MountConfig  `yaml:"mount"`
	Export ExportConfig `yaml:"export"`
	Walk   WalkConfig   `yaml:"walk"`
	Report ReportConfig `yaml:"report"`
}

type LogConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

type MountConfig struct {
	Encoding  string            `yaml:"encoding"`
	Namespace string            `yaml:"namespace"`
	Debug     bool              `yaml:"debug"`
	Options   map[string]string `yaml:"options,omitempty"`
}

type ExportConfig struct {
	Location  string   `yaml:"location"`
	Strategy  string   `yaml:"strategy"`
	Checksums []string `yaml:"checksums,omitempty"`
}

type WalkConfig struct {
	Checksums []string `yaml:"checksums,omitempty"`
	ChunkSize int64    `yaml:"chunk_size"`
	Xattrs    bool     `yaml:"xattrs"`
}

type ReportConfig struct {
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Log:    LogConfig{Enabled: false, File: "logs.txt"},
		Export: ExportConfig{Strategy: "overwrite"},
		Walk:   WalkConfig{ChunkSize: 1 << 20},
		Report: ReportConfig{Format: "yaml"},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errno.Errorf(errno.InvalidData, "config %s: %v", path, err)
	}
	if cfg.Walk.ChunkSize <= 0 {
		return cfg, errno.Errorf(errno.InvalidArgument, "config %s: chunk_size %d", path, cfg.Walk.ChunkSize)
	}
	if _, err := ResolveEncoding(cfg.Mount.Encoding); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MountOptions merges the debug switch into the free form options.
func (mount MountConfig) MountOptions() map[string]string {
	options := make(map[string]string, len(mount.Options)+1)
	for key, value := range mount.Options {
		options[key] = value
	}
	if mount.Debug {
		options["debug"] = "true"
	}
	return options
}

var encodingAliases = map[string]string{
	"cp437":     "IBM437",
	"dos":       "IBM437",
	"macintosh": "macintosh",
	"macroman":  "macintosh",
	"latin1":    "ISO-8859-1",
	"utf8":      "UTF-8",
}

// ResolveEncoding maps an IANA name or one of the short aliases to an
// encoding. An empty name yields nil so drivers apply their own default.
func ResolveEncoding(name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	if alias, ok := encodingAliases[strings.ToLower(name)]; ok {
		name = alias
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, errno.Errorf(errno.InvalidArgument, "encoding %q: %v", name, err)
	}
	if enc == nil {
		return nil, errno.Errorf(errno.NotSupported, "encoding %q has no decoder", name)
	}
	return enc, nil
}
