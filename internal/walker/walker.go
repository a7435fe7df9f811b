// Package walker implements component C9: walking a commit's ancestry
// and producing a per-commit validity verdict for every timestamp
// commit it finds.
//
// Grounded on internal/verify/mmr_verify.go's Verifier/Result shape —
// a typed report struct accumulated step by step rather than a bare
// bool — adapted from a single inclusion-proof check to a DAG
// traversal that visits every ancestor exactly once.
package walker

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"gitstamp/internal/chainbuild"
	"gitstamp/internal/commitmsg"
	"gitstamp/internal/crlfetch"
	"gitstamp/internal/digestbind"
	"gitstamp/internal/errs"
	"gitstamp/internal/gitvcs"
	"gitstamp/internal/ltvstore"
	"gitstamp/internal/obslog"
	"gitstamp/internal/primitives"
	"gitstamp/internal/trustanchors"
)

// TokenVerdict is the outcome of checking one Timestamp: trailer.
type TokenVerdict struct {
	TSAURL  string
	IID     string
	Valid   bool
	Skipped bool // a decoy trailer that didn't even parse as a token
	Reason  string
	GenTime time.Time
}

// CommitReport is the outcome of validate_commit for one commit.
type CommitReport struct {
	Commit          string
	IsTimestamp     bool
	Parent          string
	Tokens          []TokenVerdict
	Valid           bool
	EarliestGenTime time.Time
}

// ValidCount returns how many of the commit's tokens were valid.
func (cr CommitReport) ValidCount() int {
	n := 0
	for _, t := range cr.Tokens {
		if t.Valid {
			n++
		}
	}
	return n
}

// Summary renders the literal per-commit report line. "" for a commit
// that carries no timestamp at all.
func (cr CommitReport) Summary() string {
	if !cr.IsTimestamp {
		return ""
	}
	if cr.Valid {
		return fmt.Sprintf("Commit %s, which timestamps commit %s at %s, contains %d valid timestamp tokens.",
			cr.Commit, cr.Parent, cr.EarliestGenTime.UTC().Format(time.RFC3339), cr.ValidCount())
	}
	var reasons []string
	for _, t := range cr.Tokens {
		if !t.Skipped && t.Reason != "" {
			reasons = append(reasons, t.Reason)
		}
	}
	return fmt.Sprintf("Commit %s, which timestamps commit %s, contains no valid timestamp tokens (%s).",
		cr.Commit, cr.Parent, strings.Join(reasons, "; "))
}

// Report is the result of walking one commit ancestry.
type Report struct {
	Root    string
	Commits []CommitReport
	OK      bool
}

// Walker ties together every component validate_commit needs: chain
// resolution, CRL fetching at two distinct times, and trust-store
// verification.
type Walker struct {
	Repo      *gitvcs.Repo
	LTV       *ltvstore.Store
	Chains    *chainbuild.Builder
	CRLs      *crlfetch.Fetcher
	Trust     *trustanchors.Store
	Requester chainbuild.TokenRequester // optional; enables full chain rebuild when no LTV material survives
	Log       *obslog.Logger
}

// New constructs a Walker.
func New(repo *gitvcs.Repo, ltv *ltvstore.Store, chains *chainbuild.Builder, crls *crlfetch.Fetcher, trust *trustanchors.Store, requester chainbuild.TokenRequester, log *obslog.Logger) *Walker {
	return &Walker{Repo: repo, LTV: ltv, Chains: chains, CRLs: crls, Trust: trust, Requester: requester, Log: log}
}

// Validate runs a repository integrity check, then walks ref's
// ancestry (default "HEAD" is the caller's concern), visiting every
// commit exactly once even across diamond merges.
func (w *Walker) Validate(ctx context.Context, ref string) (*Report, error) {
	if err := w.Repo.Fsck(ctx); err != nil {
		return nil, errs.Wrap(errs.KindRepositoryCorrupt, "repository integrity check failed", err)
	}

	root, err := w.Repo.RevParse(ctx, ref)
	if err != nil {
		return nil, err
	}

	report := &Report{Root: root, OK: true}
	visited := make(map[string]bool)
	stack := []string{root}

	for len(stack) > 0 {
		commit := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[commit] {
			continue
		}
		visited[commit] = true

		cr, err := w.validateCommit(ctx, commit)
		if err != nil {
			return nil, err
		}
		report.Commits = append(report.Commits, *cr)
		if cr.IsTimestamp && !cr.Valid {
			report.OK = false
		}

		parents, err := w.Repo.Parents(ctx, commit)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if !visited[p] {
				stack = append(stack, p)
			}
		}
	}

	return report, nil
}

func (w *Walker) validateCommit(ctx context.Context, commit string) (*CommitReport, error) {
	msg, err := w.Repo.CommitMessage(ctx, commit)
	if err != nil {
		return nil, err
	}
	if !commitmsg.IsTimestampCommit(msg) {
		return &CommitReport{Commit: commit, Valid: true}, nil
	}

	parsed, err := commitmsg.Parse(msg)
	if err != nil {
		return &CommitReport{Commit: commit, IsTimestamp: true, Valid: false}, nil
	}
	if len(parsed.Tokens) == 0 {
		return &CommitReport{Commit: commit, IsTimestamp: true, Valid: true}, nil
	}

	parents, err := w.Repo.Parents(ctx, commit)
	if err != nil {
		return nil, err
	}
	var parent string
	if len(parents) > 0 {
		parent = parents[0]
	}

	expected, err := w.expectedDigest(ctx, parsed.Version, parsed.HashAlgorithm, commit, parent)
	if err != nil {
		return nil, err
	}

	report := &CommitReport{Commit: commit, IsTimestamp: true, Parent: parent}
	var earliest time.Time
	for _, trailer := range parsed.Tokens {
		tv := w.validateToken(ctx, commit, trailer, expected)
		report.Tokens = append(report.Tokens, tv)
		if tv.Valid {
			report.Valid = true
			if earliest.IsZero() || tv.GenTime.Before(earliest) {
				earliest = tv.GenTime
			}
		}
	}
	report.EarliestGenTime = earliest
	return report, nil
}

// expectedDigest recomputes the digest a commit's tokens should cover.
// hashAlgorithm is the commit's own Hash-Algorithm: trailer (spec §3.1's
// first-class H), not a fixed default — a commit sealed with a
// non-default repository hash algorithm must be validated against that
// same algorithm, or every one of its tokens would spuriously mismatch.
func (w *Walker) expectedDigest(ctx context.Context, version int, hashAlgorithm, commit, parent string) ([]byte, error) {
	if version == 0 {
		return digestbind.DigestV0(parent)
	}
	tree, err := w.Repo.TreeOf(ctx, commit)
	if err != nil {
		return nil, err
	}
	alg := digestbind.Algorithm(hashAlgorithm)
	if alg == "" {
		alg = digestbind.SHA256
	}
	return digestbind.Digest(alg, tree, parent)
}

// validateToken implements the five numbered sub-steps of
// validate_commit for a single token trailer. It never returns an
// error: every failure mode becomes a non-valid TokenVerdict so one
// bad token cannot abort validation of the rest of the commit's
// tokens or the rest of the walk.
func (w *Walker) validateToken(ctx context.Context, commit string, trailer commitmsg.TokenTrailer, expectedDigest []byte) TokenVerdict {
	tv := TokenVerdict{TSAURL: trailer.TSAURL}

	tok, err := primitives.ParseToken(trailer.TokenDER)
	if err != nil {
		tv.Skipped = true
		return tv
	}

	_, gotDigest := primitives.TokenMessageImprint(tok)
	if !bytes.Equal(gotDigest, expectedDigest) {
		tv.Reason = string(errs.KindDigestMismatch)
		return tv
	}
	tv.GenTime = tok.GenTime

	iid, err := primitives.IssuerID(tok)
	if err != nil {
		tv.Reason = err.Error()
		return tv
	}
	tv.IID = iid

	chain, err := w.resolveChain(ctx, commit, iid, tok, trailer.TSAURL, expectedDigest)
	if err != nil {
		tv.Reason = err.Error()
		return tv
	}

	signerCert := tok.SignerCert
	if signerCert == nil && len(chain) > 0 {
		signerCert = chain[0]
	}
	if sigResult := primitives.TSVerify(tok, expectedDigest, signerCert); !sigResult.IsOK() {
		tv.Reason = sigResult.Message
		return tv
	}

	historicCRLs, err := w.historicCRLs(ctx, commit, iid)
	if err != nil {
		tv.Reason = err.Error()
		return tv
	}
	if result := primitives.X509Verify(chain, w.Trust.Pool(), historicCRLs, tok.GenTime); !result.IsOK() {
		tv.Reason = result.Message
		return tv
	}

	presentCRLs, err := w.presentCRLs(ctx, chain, iid)
	if err != nil {
		tv.Reason = err.Error()
		return tv
	}
	if result := primitives.X509Verify(chain, w.Trust.Pool(), presentCRLs, time.Now()); !result.IsOK() {
		tv.Reason = result.Message
		return tv
	}

	tv.Valid = true
	return tv
}

// resolveChain prefers the live working tree's LTV store, falls back
// to the chain as it existed in commit's own tree, and only rebuilds
// from scratch (a live TSA round trip) when neither survives.
func (w *Walker) resolveChain(ctx context.Context, commit, iid string, tok *primitives.Token, tsaURL string, digest []byte) ([]*x509.Certificate, error) {
	if chain, err := w.LTV.ReadChain(iid); err == nil && len(chain) > 0 {
		return chain, nil
	}
	if data, err := w.Repo.Show(ctx, commit, w.LTV.RelCertPath(iid)); err == nil {
		if chain, perr := ltvstore.ParseChainPEM(data); perr == nil && len(chain) > 0 {
			return chain, nil
		}
	}
	if w.Requester == nil {
		return nil, errs.Wrap(errs.KindLtvMissing, fmt.Sprintf("no chain on disk for issuer %s", iid), errs.ErrLtvMissing)
	}
	return w.Chains.Build(ctx, w.Requester, tok, digest, tsaURL)
}

// historicCRLs reads the CRL file exactly as it existed in commit's
// own tree; a missing historic CRL invalidates the token outright, it
// is never silently skipped.
func (w *Walker) historicCRLs(ctx context.Context, commit, iid string) ([]*x509.RevocationList, error) {
	data, err := w.Repo.Show(ctx, commit, w.LTV.RelCRLPath(iid))
	if err != nil {
		return nil, errs.Wrap(errs.KindLtvMissing, fmt.Sprintf("historic CRL for issuer %s missing at commit %s", iid, commit), err)
	}
	return ltvstore.ParseCRLsPEM(data)
}

// presentCRLs fetches a fresh CRL set; if the network is unavailable
// it falls back to whatever CRL file is present at HEAD rather than
// failing the whole validation run over a transient outage.
func (w *Walker) presentCRLs(ctx context.Context, chain []*x509.Certificate, iid string) ([]*x509.RevocationList, error) {
	crls, err := w.CRLs.FetchForChain(ctx, chain)
	if err == nil {
		return crls, nil
	}
	if w.Log != nil {
		w.Log.Warn("walker: live CRL fetch failed, falling back to HEAD's CRL file", "iid", iid, "error", err)
	}
	data, showErr := w.Repo.Show(ctx, "HEAD", w.LTV.RelCRLPath(iid))
	if showErr != nil {
		return nil, errs.Wrap(errs.KindLtvMissing, fmt.Sprintf("no live or HEAD-fallback CRL for issuer %s", iid), showErr)
	}
	return ltvstore.ParseCRLsPEM(data)
}
