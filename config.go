package coisvr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// FilesLocation is the served directory, relative to the executable
	FilesLocation = "web_app"
	// Port is the default listening port
	Port = 8080
	// Host is the default listening host
	Host = "localhost"
	// MetricPath is where the request metric is served as JSON
	MetricPath = "/__metric"
)

// ErrRootNotDir is returned by Config_Validate when Root is not a directory
var ErrRootNotDir = errors.New("root is not a directory")

// Config defines what the server serves and where it listens.
// A Config is copied into the Server by NewServer and never changed after.
type Config struct {
	Root string // directory to serve, should be an absolute path
	Host string
	Port int // 0 means the kernel picks a free port

	// MimeTypes maps file extension (including the dot) to Content-Type,
	// the entry with empty key is used for unknown extensions
	MimeTypes map[string]string

	LogRequests bool // log every pair of request/response
	Metric      bool // count requests and durations, served on MetricPath
	MetricPath  string
}

// NewDefaultConfig returns the config of the demo server: serving directory
// web_app next to the executable on http://localhost:8080
func NewDefaultConfig() (Config, error) {
	exe, err := os.Executable()
	if err != nil {
		return Config{}, fmt.Errorf("find executable: %w", err)
	}
	return Config{
		Root:        filepath.Join(filepath.Dir(exe), FilesLocation),
		Host:        Host,
		Port:        Port,
		MimeTypes:   DefaultMimeTypes(),
		LogRequests: true,
		Metric:      true,
		MetricPath:  MetricPath,
	}, nil
}

// fileConfig is the on-disk form of Config, nil fields keep the default
type fileConfig struct {
	Root        *string           `toml:"root" yaml:"root"`
	Host        *string           `toml:"host" yaml:"host"`
	Port        *int              `toml:"port" yaml:"port"`
	LogRequests *bool             `toml:"log_requests" yaml:"log_requests"`
	Metric      *bool             `toml:"metric" yaml:"metric"`
	MetricPath  *string           `toml:"metric_path" yaml:"metric_path"`
	MimeTypes   map[string]string `toml:"mime_types" yaml:"mime_types"`
}

// LoadConfig reads a TOML (.toml) or YAML (.yaml, .yml) file on top of
// NewDefaultConfig. A relative root is resolved against the file's directory.
// Entries of mime_types are merged into the default table.
func LoadConfig(path string) (Config, error) {
	cfg, err := NewDefaultConfig()
	if err != nil {
		return cfg, err
	}
	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &fc)
		if err != nil {
			return cfg, fmt.Errorf("decode toml %v: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("unknown keys in %v: %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		// io_EOF: empty or comment-only document, keep the defaults
		if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("decode yaml %v: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config file extension %q", ext)
	}

	if fc.Root != nil {
		cfg.Root = *fc.Root
		if !filepath.IsAbs(cfg.Root) {
			cfg.Root = filepath.Join(filepath.Dir(path), cfg.Root)
		}
	}
	if fc.Host != nil {
		cfg.Host = *fc.Host
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.LogRequests != nil {
		cfg.LogRequests = *fc.LogRequests
	}
	if fc.Metric != nil {
		cfg.Metric = *fc.Metric
	}
	if fc.MetricPath != nil {
		cfg.MetricPath = *fc.MetricPath
	}
	for ext, mimeType := range fc.MimeTypes {
		if err := checkMimeExt(ext); err != nil {
			return cfg, fmt.Errorf("%v: %w", path, err)
		}
		cfg.MimeTypes[ext] = mimeType
	}
	return cfg, nil
}

// Validate checks the config before the listener is bound
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %v", c.Port)
	}
	if c.Host == "" {
		return errors.New("empty host")
	}
	if _, found := c.MimeTypes[""]; !found {
		return errors.New("mime types: missing fallback entry for empty extension")
	}
	for ext := range c.MimeTypes {
		if err := checkMimeExt(ext); err != nil {
			return err
		}
	}
	if c.Metric && !strings.HasPrefix(c.MetricPath, "/") {
		return fmt.Errorf("metric path must start with a slash: %q", c.MetricPath)
	}
	info, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("root %v: %w", c.Root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %v: %w", c.Root, ErrRootNotDir)
	}
	return nil
}

// checkMimeExt accepts what path_Ext can return: "" or a dot and a suffix
func checkMimeExt(ext string) error {
	if ext == "" {
		return nil
	}
	if !strings.HasPrefix(ext, ".") || strings.ContainsAny(ext[1:], "./") {
		return fmt.Errorf("mime types: invalid extension %q, want a form like \".mjs\"", ext)
	}
	return nil
}

// Addr returns host:port
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL returns http://host:port
func (c Config) URL() string {
	return "http://" + c.Addr()
}
