// Package ltvstore implements component C7: persisting the
// certificate chain and CRL set backing a timestamp token as ordinary
// PEM files inside the repository's working tree, so a clone made
// years after the TSA or its CA is retired can still validate the
// token (RFC 5816 long-term validation).
//
// Layout: `<repo_root>/.timestampltv/certs/<iid>.cer` holds the full
// chain, signer first and self-signed root last, each PEM block
// preceded by a human-readable `subject=`/`issuer=` preamble (the
// `openssl x509 -text` convention); `<repo_root>/.timestampltv/crls/<iid>.crl`
// holds the concatenated PEM CRLs covering every non-root certificate
// in that chain, in chain order.
//
// Because these files live in the tree being committed, writing them
// changes the tree hash, which changes the commit digest, which
// requires a new token — the fixed-point loop in the orchestrator (C8)
// repeatedly calls WriteChain and WriteCRLs until the bundle they write
// matches what's already on disk.
//
// Grounded on internal/checkpoint/checkpoint.go's Save/Load pair
// (os.MkdirAll the parent at 0700, os.WriteFile the payload at 0600).
package ltvstore

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// RootDirName is the directory, relative to a repository's working
// tree root, where LTV artifacts are stored.
const RootDirName = ".timestampltv"

const (
	certsSubdir = "certs"
	crlsSubdir  = "crls"
	certExt     = ".cer"
	crlExt      = ".crl"
)

// Store reads and writes LTV files under a repository's working tree.
type Store struct {
	repoRoot string
}

// Open returns a Store rooted at repoRoot (a git working tree).
func Open(repoRoot string) *Store {
	return &Store{repoRoot: repoRoot}
}

// CertPath returns the chain file path for issuer id iid.
func (s *Store) CertPath(iid string) string {
	return filepath.Join(s.repoRoot, RootDirName, certsSubdir, iid+certExt)
}

// CRLPath returns the CRL file path for issuer id iid.
func (s *Store) CRLPath(iid string) string {
	return filepath.Join(s.repoRoot, RootDirName, crlsSubdir, iid+crlExt)
}

// RelCertPath and RelCRLPath return paths relative to the working
// tree root, suitable for `git add` / `git show <rev>:<path>`.
func (s *Store) RelCertPath(iid string) string {
	return filepath.ToSlash(filepath.Join(RootDirName, certsSubdir, iid+certExt))
}

func (s *Store) RelCRLPath(iid string) string {
	return filepath.ToSlash(filepath.Join(RootDirName, crlsSubdir, iid+crlExt))
}

// ReadChain loads and parses the certificate chain for iid (signer
// first, root last), or (nil, nil) if none has been written yet.
func (s *Store) ReadChain(iid string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(s.CertPath(iid))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ltvstore: read chain %s: %w", iid, err)
	}
	return ParseChainPEM(data)
}

// ReadCRLs loads and parses the CRL set for iid, or (nil, nil) if none
// has been written yet.
func (s *Store) ReadCRLs(iid string) ([]*x509.RevocationList, error) {
	data, err := os.ReadFile(s.CRLPath(iid))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ltvstore: read crls %s: %w", iid, err)
	}
	return ParseCRLsPEM(data)
}

// ParseChainPEM parses the `<iid>.cer` file format (subject/issuer
// preambles plus PEM CERTIFICATE blocks) from raw bytes, however
// obtained — from disk via ReadChain, or from `git show
// <ancestor>:.timestampltv/certs/<iid>.cer` when the ancestor-sealing
// phase needs a chain that predates the current working tree.
func ParseChainPEM(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ltvstore: parse chain: %w", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// ParseCRLsPEM parses a concatenated-PEM `<iid>.crl` file from raw
// bytes; see ParseChainPEM for why this is exported independent of a
// Store.
func ParseCRLsPEM(data []byte) ([]*x509.RevocationList, error) {
	var crls []*x509.RevocationList
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ltvstore: parse crls: %w", err)
		}
		crls = append(crls, crl)
	}
	return crls, nil
}

// WriteChain persists chain (signer first, root last) for iid as PEM
// with subject/issuer preambles, writing only if the rendered content
// differs from what's on disk. changed reports whether new bytes were
// written (the tree hash is now stale).
func (s *Store) WriteChain(iid string, chain []*x509.Certificate) (changed bool, err error) {
	return s.writeIfDifferent(s.CertPath(iid), renderChain(chain))
}

// WriteCRLs persists crls for iid as concatenated PEM, writing only if
// the rendered content differs from what's on disk.
func (s *Store) WriteCRLs(iid string, crls []*x509.RevocationList) (changed bool, err error) {
	return s.writeIfDifferent(s.CRLPath(iid), renderCRLs(crls))
}

func (s *Store) writeIfDifferent(path string, data []byte) (bool, error) {
	if existing, readErr := os.ReadFile(path); readErr == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("ltvstore: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("ltvstore: write %s: %w", path, err)
	}
	return true, nil
}

// StagedPaths returns the working-tree-relative paths Store writes for
// iid, for the orchestrator to `git add`.
func (s *Store) StagedPaths(iid string) []string {
	return []string{s.RelCertPath(iid), s.RelCRLPath(iid)}
}

func renderChain(chain []*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, c := range chain {
		fmt.Fprintf(&buf, "subject=%s\n", c.Subject.String())
		fmt.Fprintf(&buf, "issuer=%s\n", c.Issuer.String())
		pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	return buf.Bytes()
}

func renderCRLs(crls []*x509.RevocationList) []byte {
	var buf bytes.Buffer
	for _, c := range crls {
		pem.Encode(&buf, &pem.Block{Type: "X509 CRL", Bytes: c.Raw})
	}
	return buf.Bytes()
}
