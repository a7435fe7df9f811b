// Package trustanchors manages the process-local directory of trusted
// self-signed root certificates used only for timestamp-token
// validation. This trust store is strictly isolated from any host-OS
// trust store: Store never consults x509.SystemCertPool, and installing
// a root here grants no code-signing or TLS-client privilege (spec §3,
// "Trust store").
//
// The watch loop generalizes internal/config/loader.go's fsnotify-based
// hot reload (originally written to reload a single TOML file) to a
// whole directory of `<subject_hash>.0` PEM files, so a long-running
// validator process picks up a `trust <tsa_url>` install without a
// restart.
package trustanchors

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"gitstamp/internal/obslog"
)

// Store is a directory-backed pool of trusted self-signed roots.
type Store struct {
	dir string

	mu     sync.RWMutex
	pool   *x509.CertPool
	byHash map[string][][]byte

	watcher *fsnotify.Watcher
	stop    chan struct{}
	log     *obslog.Logger
}

// byHash maps a subject hash to the DER blob filed under it. Only
// `<hash>.0` files are loaded, so it holds at most one certificate per
// hash: c_rehash-style collision files (`<hash>.1`, ...) are not read,
// and Install overwrites an existing `<hash>.0`.

// Open loads every `<hash>.0` PEM file in dir into a Store. The
// directory is created if missing.
func Open(dir string, log *obslog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("trustanchors: create %s: %w", dir, err)
	}
	s := &Store{dir: dir, log: log, stop: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Pool returns an x509.CertPool snapshot of the current trust anchors.
func (s *Store) Pool() *x509.CertPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Contains reports whether a certificate (by its OpenSSL-compatible
// subject hash) is present verbatim in the store, modulo PEM whitespace
// — used to satisfy property P3 ("root is bitwise-identical to some
// file in the trust store").
func (s *Store) Contains(subjectHash string, der []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, candidate := range s.byHash[subjectHash] {
		if bytesEqual(candidate, der) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AllCerts returns every trust anchor currently loaded, parsed, for
// callers (chainbuild) that need to test issuance relationships rather
// than just membership in the x509.CertPool.
func (s *Store) AllCerts() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*x509.Certificate
	for _, blobs := range s.byHash {
		for _, der := range blobs {
			if cert, err := x509.ParseCertificate(der); err == nil {
				out = append(out, cert)
			}
		}
	}
	return out
}

// Install writes cert (DER) to `<dir>/<subjectHash>.0`, then reloads
// the pool. The caller supplies subjectHash, normally from
// primitives.CertSubjectHashOpenSSLCompatible.
func (s *Store) Install(subjectHash string, der []byte) error {
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	path := filepath.Join(s.dir, subjectHash+".0")
	if err := os.WriteFile(path, block, 0o600); err != nil {
		return fmt.Errorf("trustanchors: write %s: %w", path, err)
	}
	return s.reload()
}

func (s *Store) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("trustanchors: read %s: %w", s.dir, err)
	}

	pool := x509.NewCertPool()
	byHash := make(map[string][][]byte)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".0") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		block, _ := pem.Decode(data)
		if block == nil {
			continue
		}
		if !pool.AppendCertsFromPEM(data) {
			continue
		}
		hash := strings.TrimSuffix(e.Name(), ".0")
		byHash[hash] = append(byHash[hash], block.Bytes)
	}

	s.mu.Lock()
	s.pool = pool
	s.byHash = byHash
	s.mu.Unlock()
	return nil
}

// Watch starts a background fsnotify watcher that reloads the pool
// whenever the trust anchor directory changes. Close stops it.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("trustanchors: create watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("trustanchors: watch %s: %w", s.dir, err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				if err := s.reload(); err != nil && s.log != nil {
					s.log.Warn("trustanchors: reload after fs event failed", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if s.log != nil {
					s.log.Warn("trustanchors: watcher error", "error", err)
				}
			case <-s.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	close(s.stop)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
