// Package daemonconfig holds the operator-level settings that live
// outside any one git repository: how long to wait for a TSA before
// giving up, where the fetch cache lives, and the trust anchor
// directory path.
//
// Per-repository settings (which TSA a given repo's commits should
// use, whether sealing is required) are instead read through the
// repository's own `git config` via gitvcs — grounded there, not
// here, since they are data the repository owns, not the operator.
//
// Grounded on internal/config/config.go (a flat TOML struct with
// field-level toml tags and a DefaultConfig constructor) and
// internal/config/loader.go (fsnotify-based hot reload of the same
// file), both using github.com/BurntSushi/toml and
// github.com/fsnotify/fsnotify.
package daemonconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Config is gitstamp's operator-level configuration.
type Config struct {
	// TSAURLs is parsed from the file but not read by any command; the
	// hook takes its TSAs from the repository's git config.
	TSAURLs []string `toml:"tsa_urls"`

	// RequestTimeoutSeconds bounds a single TSA HTTP round trip.
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`

	// MaxFixedPointIterations bounds the commit orchestrator's
	// seal-then-reseal loop (spec §4.8) before giving up with
	// FixedPointDiverged.
	MaxFixedPointIterations int `toml:"max_fixed_point_iterations"`

	// TrustAnchorDir is the directory of `<hash>.0` trusted root
	// certificates consulted for every validation. Empty means "use
	// the per-repository default", <git-common-dir>/hooks/trustanchors,
	// resolved by the caller once it has opened a gitvcs.Repo; this
	// field only overrides that default for an operator who wants one
	// trust store shared across repositories.
	TrustAnchorDir string `toml:"trust_anchor_dir"`

	// FetchCachePath is the sqlite database backing AIA/CRL fetches.
	FetchCachePath string `toml:"fetch_cache_path"`

	// CRLCacheTTLSeconds bounds how long a fetched CRL is reused before
	// a fresh download is required.
	CRLCacheTTLSeconds int `toml:"crl_cache_ttl_seconds"`

	// AuditLogPath is where obslog appends its JSON audit trail.
	AuditLogPath string `toml:"audit_log_path"`

	// RequireCertsInResponse is parsed from the file but not read by
	// any command: commit tokens are always requested without
	// certificates, and only the chain builder's dummy request sets
	// CertReq.
	RequireCertsInResponse bool `toml:"require_certs_in_response"`
}

// baseDir returns ~/.gitstamp, creating no directories itself.
func baseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gitstamp")
}

// DefaultConfig returns gitstamp's out-of-the-box configuration.
func DefaultConfig() *Config {
	dir := baseDir()
	return &Config{
		TSAURLs:                 nil,
		RequestTimeoutSeconds:   15,
		MaxFixedPointIterations: 4,
		TrustAnchorDir:          "",
		FetchCachePath:          filepath.Join(dir, "fetchcache.db"),
		CRLCacheTTLSeconds:      3600,
		AuditLogPath:            filepath.Join(dir, "audit.log"),
		RequireCertsInResponse:  true,
	}
}

// Path returns the default configuration file path, ~/.gitstamp/config.toml.
func Path() string {
	return filepath.Join(baseDir(), "config.toml")
}

// Load reads configuration from path, falling back to defaults for
// any field the file doesn't set; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = Path()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("daemonconfig: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("daemonconfig: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for internally inconsistent
// values.
func (c *Config) Validate() error {
	if c.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("daemonconfig: request_timeout_seconds must be at least 1")
	}
	if c.MaxFixedPointIterations < 1 {
		return fmt.Errorf("daemonconfig: max_fixed_point_iterations must be at least 1")
	}
	return nil
}

// EnsureDirectories creates every directory the config references.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{
		c.TrustAnchorDir,
		filepath.Dir(c.FetchCachePath),
		filepath.Dir(c.AuditLogPath),
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("daemonconfig: mkdir %s: %w", dir, err)
		}
	}
	return nil
}

// Loader hot-reloads Config from its file whenever it changes on
// disk, so a long-running process that holds one picks up an
// operator's edits without a restart. None of the commands uses a
// Loader; they call Load once per invocation.
type Loader struct {
	path     string
	mu       sync.RWMutex
	cfg      *Config
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	onChange []func(*Config)
}

// NewLoader creates a Loader for the config file at path ("" for the
// default path).
func NewLoader(path string) *Loader {
	if path == "" {
		path = Path()
	}
	return &Loader{path: path, stop: make(chan struct{})}
}

// Load performs the initial read.
func (l *Loader) Load() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the most recently loaded configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// OnChange registers a callback invoked (with the reloaded Config)
// whenever the underlying file changes.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background fsnotify watch on the config file's
// directory. Stop ends it.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("daemonconfig: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("daemonconfig: watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(l.path) {
					continue
				}
				cfg, err := l.Load()
				if err != nil {
					continue
				}
				l.mu.RLock()
				callbacks := append([]func(*Config){}, l.onChange...)
				l.mu.RUnlock()
				for _, fn := range callbacks {
					fn(cfg)
				}
			case <-w.Errors:
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends the watch loop and releases the underlying watcher.
func (l *Loader) Stop() error {
	close(l.stop)
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
