// Package manifest handles fluid.toml compiler configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/fluid/pkg/bytecode"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "fluid.toml"

// ErrUnknownKey is returned for keys the configuration does not define.
var ErrUnknownKey = errors.New("unknown configuration key")

// Config represents a fluid.toml configuration.
type Config struct {
	Compile CompileConfig `toml:"compile" json:"compile"`
	Cache   CacheConfig   `toml:"cache" json:"cache"`
	Server  ServerConfig  `toml:"server" json:"server"`
	Log     LogConfig     `toml:"log" json:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-" json:"-"`
}

// CompileConfig holds the default dump options.
type CompileConfig struct {
	Strip     bool   `toml:"strip" json:"strip,omitempty"`
	BigEndian bool   `toml:"big-endian" json:"big-endian,omitempty"`
	Wide      bool   `toml:"wide" json:"wide,omitempty"`
	ChunkName string `toml:"chunk-name" json:"chunk-name,omitempty"`
}

// CacheConfig configures the compiled-dump cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled,omitempty"`
	Path    string `toml:"path" json:"path,omitempty"`
}

// ServerConfig configures the compile service.
type ServerConfig struct {
	Addr string `toml:"addr" json:"addr,omitempty"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity" json:"verbosity,omitempty"`
	File      string `toml:"file" json:"file,omitempty"`
}

// Default returns the configuration used when no fluid.toml is found.
func Default() *Config {
	c := &Config{}
	c.applyDefaults("")
	return c
}

// Load parses the fluid.toml file in the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses and validates a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	c.applyDefaults(filepath.Dir(c.Path))
	return c, nil
}

// Parse decodes and validates configuration text. Defaults that depend on
// the file location are not applied.
func Parse(data []byte) (*Config, error) {
	var c Config
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a fluid.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

func (c *Config) applyDefaults(dir string) {
	if c.Server.Addr == "" {
		c.Server.Addr = "localhost:7420"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(dir, ".fluid", "cache.db")
	} else if dir != "" && !filepath.IsAbs(c.Cache.Path) {
		c.Cache.Path = filepath.Join(dir, c.Cache.Path)
	}
	if c.Log.File != "" && dir != "" && !filepath.IsAbs(c.Log.File) {
		c.Log.File = filepath.Join(dir, c.Log.File)
	}
}

// DumpOptions maps the [compile] section to dump writer options.
func (c *Config) DumpOptions() bytecode.DumpOptions {
	return bytecode.DumpOptions{
		Strip:     c.Compile.Strip,
		BigEndian: c.Compile.BigEndian,
		Wide:      c.Compile.Wide,
	}
}
