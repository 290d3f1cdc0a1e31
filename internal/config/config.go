// Package config loads the TOML configuration of the universal command.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	gotoml "github.com/pelletier/go-toml/v2"
	"github.com/peterbourgon/mergemap"

	"github.com/joetifa2003/universal"
)

const (
	EngineQuickJS   = "quickjs"
	EngineDevServer = "devserver"
)

var (
	ErrParseToml     = errors.New("failed to parse TOML")
	ErrNoRoutes      = errors.New("at least one route is required")
	ErrInvalidValue  = errors.New("invalid configuration value")
	ErrUnknownEngine = errors.New("unknown engine")
)

type Config struct {
	Listen           string   `toml:"listen"`
	IndexPath        string   `toml:"index_path"`
	ServerBundlePath string   `toml:"server_bundle_path"`
	Charset          string   `toml:"charset"`
	Engines          int      `toml:"engines"`
	Routes           []string `toml:"routes"`
	RenderTimeout    string   `toml:"render_timeout"`
	LiveReload       bool     `toml:"live_reload"`
	Engine           string   `toml:"engine"`
	DevServerURL     string   `toml:"devserver_url"`
	Log              Log      `toml:"log"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"listen":             ":8080",
		"index_path":         "public/index.html",
		"server_bundle_path": "server.bundle.js",
		"charset":            "UTF-8",
		"engines":            1,
		"render_timeout":     "30s",
		"live_reload":        false,
		"engine":             EngineQuickJS,
		"devserver_url":      "http://localhost:4000",
		"log": map[string]any{
			"level":  "info",
			"format": "text",
		},
	}
}

// Load reads path and layers it between the defaults and overrides.
// Keys in overrides use the TOML names; nested tables are maps.
func Load(path string, overrides map[string]any) (*Config, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(source, overrides)
}

func Parse(source []byte, overrides map[string]any) (*Config, error) {
	var fileMap map[string]any
	if err := gotoml.Unmarshal(source, &fileMap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseToml, err)
	}

	merged := mergemap.Merge(Defaults(), fileMap)
	if overrides != nil {
		merged = mergemap.Merge(merged, overrides)
	}

	// round trip through TOML so the struct tags drive decoding
	raw, err := gotoml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseToml, err)
	}

	cfg := &Config{}
	if err := gotoml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseToml, err)
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Engines < 1 {
		errs = append(errs, fmt.Errorf("%w: engines must be at least 1, got %d", ErrInvalidValue, c.Engines))
	}
	if len(c.Routes) == 0 {
		errs = append(errs, ErrNoRoutes)
	}
	for _, route := range c.Routes {
		if !strings.HasPrefix(route, "/") {
			errs = append(errs, fmt.Errorf("%w: route %q must start with /", ErrInvalidValue, route))
		}
	}
	if _, err := universal.LookupCharset(c.Charset); err != nil {
		errs = append(errs, fmt.Errorf("charset %q: %w", c.Charset, err))
	}
	if d, err := time.ParseDuration(c.RenderTimeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("%w: render_timeout %q", ErrInvalidValue, c.RenderTimeout))
	}
	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("%w: listen is empty", ErrInvalidValue))
	}

	switch c.Engine {
	case EngineQuickJS:
		if c.ServerBundlePath == "" {
			errs = append(errs, fmt.Errorf("%w: server_bundle_path is empty", ErrInvalidValue))
		}
	case EngineDevServer:
		if c.DevServerURL == "" {
			errs = append(errs, fmt.Errorf("%w: devserver_url is empty", ErrInvalidValue))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownEngine, c.Engine))
	}

	if c.IndexPath == "" {
		errs = append(errs, fmt.Errorf("%w: index_path is empty", ErrInvalidValue))
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: log.level %q", ErrInvalidValue, c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: log.format %q", ErrInvalidValue, c.Log.Format))
	}

	return errors.Join(errs...)
}

// Timeout returns the parsed render timeout. Call Validate first.
func (c *Config) Timeout() time.Duration {
	d, _ := time.ParseDuration(c.RenderTimeout)
	return d
}
