// Package orchestrator implements component C8: the post-commit
// pipeline that turns an ordinary commit into a sealed one. Given the
// commit a normal `git commit` just produced, it reseals any ancestor
// timestamp commits whose LTV material needs refreshing, then drives
// the fixed-point loop described in spec.md §4.8 — request tokens,
// persist their chains and CRLs into the working tree, re-hash, and
// repeat until persisting no longer changes the tree — before
// creating the wrapping timestamp commit and moving the ref forward.
//
// Grounded on internal/checkpoint.Chain.Commit's shape (read current
// state, derive the next commit, persist) for the overall read-derive-
// persist structure, and on anchors.Registry.Commit's per-TSA
// independent-failure handling, adapted from that package's concurrent
// attempt to the sequential pipeline this system requires (spec §5:
// no two TSA round trips or git operations ever run concurrently).
package orchestrator

import (
	"context"
	"crypto/x509"
	"encoding/hex"
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
	"gitstamp/internal/tokenvalidate"
)

// TSAConfig names one timestamping.tsaN git-config entry.
type TSAConfig struct {
	URL      string
	Optional bool
}

// Orchestrator wires together every collaborator the commit pipeline
// needs. Callers (cmd/gitstamp-hook) build one per invocation from
// daemonconfig and the repository's own git config.
type Orchestrator struct {
	Repo      *gitvcs.Repo
	Client    chainbuild.TokenRequester
	Chains    *chainbuild.Builder
	CRLs      *crlfetch.Fetcher
	Validator *tokenvalidate.Validator
	LTV       *ltvstore.Store

	HashAlg       digestbind.Algorithm
	TSAs          []TSAConfig
	MaxIterations int

	Log *obslog.Logger
}

// Seal runs the full post-commit pipeline against the commit currently
// at HEAD (the commit a `git commit` invocation just produced, call it
// P in spec terms) and returns the new sealing commit's hex ID. It
// returns ("", nil) if P is already a timestamp commit — the
// idempotence guard that keeps `git commit --amend` or a cherry-pick
// of a sealed commit from resealing it.
func (o *Orchestrator) Seal(ctx context.Context) (string, error) {
	parent, err := o.Repo.HeadCommit(ctx)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read HEAD: %w", err)
	}
	if parent == "" {
		return "", fmt.Errorf("orchestrator: no commit at HEAD to seal")
	}

	parentMsg, err := o.Repo.CommitMessage(ctx, parent)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read commit message of %s: %w", parent, err)
	}
	if commitmsg.IsTimestampCommit(parentMsg) {
		if o.Log != nil {
			o.Log.Audit("orchestrator", obslog.EventCommitAborted, "skipped", map[string]any{"commit": parent, "reason": "already a timestamp commit"}, nil)
		}
		return "", nil
	}

	abort := func(err error) (string, error) {
		if rewindErr := o.softRewind(ctx, parent); rewindErr != nil && o.Log != nil {
			o.Log.Warn("orchestrator: soft rewind after aborted seal failed", "error", rewindErr)
		}
		if o.Log != nil {
			o.Log.Audit("orchestrator", obslog.EventCommitAborted, "failure", map[string]any{"parent": parent}, err)
		}
		return "", err
	}

	if err := o.sealAncestors(ctx, parent); err != nil {
		return abort(err)
	}

	tree, digest, tokens, err := o.fixedPoint(ctx, parent)
	if err != nil {
		return abort(err)
	}

	message := commitmsg.Build(1, string(o.HashAlg), digestbind.Preimage(tree, parent), hex.EncodeToString(digest), tokens)

	commit, err := o.Repo.CommitTree(ctx, tree, parent, message)
	if err != nil {
		return abort(fmt.Errorf("orchestrator: commit-tree: %w", err))
	}
	if err := o.Repo.UpdateRef(ctx, "HEAD", commit); err != nil {
		return abort(fmt.Errorf("orchestrator: update-ref HEAD: %w", err))
	}

	if o.Log != nil {
		o.Log.Audit("orchestrator", obslog.EventCommitFinalized, "success", map[string]any{"commit": commit, "parent": parent, "tokens": len(tokens)}, nil)
	}
	return commit, nil
}

// softRewind implements spec §4.8's Abort semantics: on any fatal
// error after commit was already recorded by `git commit`, the branch
// tip is moved back one commit so commit is discarded, and the index
// is reset to commit's own tree so any LTV files staged mid-fixed-
// point are undone. commit's content itself is not lost — it survives
// as the rewound index, exactly as if the original `git commit` had
// never run and its changes were still staged.
func (o *Orchestrator) softRewind(ctx context.Context, commit string) error {
	if err := o.Repo.ResetIndex(ctx, commit); err != nil {
		return err
	}
	parents, err := o.Repo.Parents(ctx, commit)
	if err != nil {
		return fmt.Errorf("orchestrator: list parents of %s for rewind: %w", commit, err)
	}
	if len(parents) == 0 {
		return o.Repo.DeleteRef(ctx, "HEAD")
	}
	return o.Repo.UpdateRef(ctx, "HEAD", parents[0])
}

// sealAncestors walks each of parent's own parents back to the
// nearest timestamp commit on that branch, following first parents
// only, and refreshes its LTV material — exactly one refresh per
// direct parent of parent. Second parents of merges further back are
// not explored, and no visited set is kept across branches.
func (o *Orchestrator) sealAncestors(ctx context.Context, parent string) error {
	parents, err := o.Repo.Parents(ctx, parent)
	if err != nil {
		return fmt.Errorf("orchestrator: list parents of %s: %w", parent, err)
	}

	for _, branch := range parents {
		ancestor, err := o.nearestTimestampAncestor(ctx, branch)
		if err != nil {
			return err
		}
		if ancestor == "" {
			continue
		}
		if err := o.reseal(ctx, ancestor); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) nearestTimestampAncestor(ctx context.Context, commit string) (string, error) {
	cur := commit
	for cur != "" {
		msg, err := o.Repo.CommitMessage(ctx, cur)
		if err != nil {
			return "", fmt.Errorf("orchestrator: read commit message of %s: %w", cur, err)
		}
		if commitmsg.IsTimestampCommit(msg) {
			return cur, nil
		}
		parents, err := o.Repo.Parents(ctx, cur)
		if err != nil {
			return "", fmt.Errorf("orchestrator: list parents of %s: %w", cur, err)
		}
		if len(parents) == 0 {
			return "", nil
		}
		cur = parents[0]
	}
	return "", nil
}

// reseal refreshes every token trailer's chain and CRLs in ancestor's
// message, staging any changed LTV file into the index so the next
// fixed-point iteration's write-tree picks it up.
func (o *Orchestrator) reseal(ctx context.Context, ancestor string) error {
	rawMsg, err := o.Repo.CommitMessage(ctx, ancestor)
	if err != nil {
		return err
	}
	parsed, err := commitmsg.Parse(rawMsg)
	if err != nil {
		return fmt.Errorf("orchestrator: parse ancestor %s message: %w", ancestor, err)
	}

	for _, trailer := range parsed.Tokens {
		tok, err := primitives.ParseToken(trailer.TokenDER)
		if err != nil {
			if o.Log != nil {
				o.Log.Warn("orchestrator: skip unparsable ancestor token", "ancestor", ancestor, "error", err)
			}
			continue
		}
		iid, err := primitives.IssuerID(tok)
		if err != nil {
			continue
		}

		chain, err := o.recoverChain(ctx, ancestor, iid, tok, trailer.TSAURL, parsed.DigestHex)
		if err != nil {
			return fmt.Errorf("orchestrator: recover chain for %s (iid=%s): %w", ancestor, iid, err)
		}

		crls, err := o.CRLs.FetchForChain(ctx, chain)
		if err != nil {
			return err
		}

		certChanged, err := o.LTV.WriteChain(iid, chain)
		if err != nil {
			return err
		}
		crlChanged, err := o.LTV.WriteCRLs(iid, crls)
		if err != nil {
			return err
		}
		if certChanged {
			if err := o.Repo.AddPath(ctx, o.LTV.RelCertPath(iid)); err != nil {
				return err
			}
		}
		if crlChanged {
			if err := o.Repo.AddPath(ctx, o.LTV.RelCRLPath(iid)); err != nil {
				return err
			}
		}
		if o.Log != nil {
			o.Log.Audit("orchestrator", obslog.EventLTVStaged, "ancestor-refresh", map[string]any{"ancestor": ancestor, "iid": iid}, nil)
		}
	}
	return nil
}

// recoverChain resolves the certificate chain for iid, preferring the
// working tree's current LTV store, then the chain as it existed in
// ancestor's own commit, and only rebuilding over the network (C3) as
// a last resort.
func (o *Orchestrator) recoverChain(ctx context.Context, ancestor, iid string, tok *primitives.Token, tsaURL, digestHex string) ([]*x509.Certificate, error) {
	if chain, err := o.LTV.ReadChain(iid); err == nil && chain != nil {
		return chain, nil
	}

	if data, err := o.Repo.Show(ctx, ancestor, o.LTV.RelCertPath(iid)); err == nil {
		if chain, parseErr := ltvstore.ParseChainPEM(data); parseErr == nil && len(chain) > 0 {
			return chain, nil
		}
	}

	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decode ancestor digest: %w", err)
	}
	return o.Chains.Build(ctx, o.Client, tok, digest, tsaURL)
}

// fixedPoint runs the seal-then-reseal loop (spec §4.8 steps 1-6):
// hash the current tree bound to parent, request a fresh token per
// configured TSA, validate and persist each into the LTV store, and
// repeat until a round of persisting changes nothing. Returns the
// final tree, digest, and the commit-message token trailers to embed.
func (o *Orchestrator) fixedPoint(ctx context.Context, parent string) (tree string, digest []byte, tokens []commitmsg.TokenTrailer, err error) {
	max := o.MaxIterations
	if max < 1 {
		max = 1
	}

	for iter := 0; iter < max; iter++ {
		tree, err = o.Repo.WriteTreeHash(ctx)
		if err != nil {
			return "", nil, nil, fmt.Errorf("orchestrator: write-tree: %w", err)
		}
		digest, err = digestbind.Digest(o.HashAlg, tree, parent)
		if err != nil {
			return "", nil, nil, err
		}

		var iterTokens []commitmsg.TokenTrailer
		anyChanged := false
		grantedAny := false

		for _, tsa := range o.TSAs {
			trailer, changed, err := o.requestAndStage(ctx, tsa, digest)
			if err != nil {
				if tsa.Optional {
					if o.Log != nil {
						o.Log.Warn("orchestrator: optional TSA failed", "tsa", tsa.URL, "error", err)
					}
					continue
				}
				return "", nil, nil, err
			}
			grantedAny = true
			anyChanged = anyChanged || changed
			iterTokens = append(iterTokens, trailer)
		}

		if !grantedAny {
			return "", nil, nil, errs.New(errs.KindNetwork, "orchestrator: every configured TSA failed or none configured")
		}

		tokens = iterTokens
		if !anyChanged {
			return tree, digest, tokens, nil
		}
		if o.Log != nil {
			o.Log.Audit("orchestrator", obslog.EventFixedPoint, "iterate", map[string]any{"iteration": iter, "tree": tree}, nil)
		}
	}

	return "", nil, nil, errs.New(errs.KindFixedPointDiverged, fmt.Sprintf("orchestrator: did not converge within %d iterations", max))
}

// requestAndStage requests a commit-time token (certReq=false, spec
// §4.8) from tsa, validates it, writes its chain/CRLs into the LTV
// store, and stages any changed file. changed reports whether the LTV
// store actually wrote new bytes this round.
func (o *Orchestrator) requestAndStage(ctx context.Context, tsa TSAConfig, digest []byte) (commitmsg.TokenTrailer, bool, error) {
	tok, err := o.Client.Request(ctx, tsa.URL, string(o.HashAlg), digest, false)
	if err != nil {
		return commitmsg.TokenTrailer{}, false, err
	}

	iid, err := primitives.IssuerID(tok)
	if err != nil {
		return commitmsg.TokenTrailer{}, false, errs.Wrap(errs.KindChainIncomplete, tsa.URL, err)
	}
	existingChain, _ := o.LTV.ReadChain(iid)

	verdict, err := o.Validator.Validate(ctx, o.Client, tok, digest, tsa.URL, existingChain)
	if err != nil {
		return commitmsg.TokenTrailer{}, false, err
	}
	if !verdict.Valid {
		return commitmsg.TokenTrailer{}, false, errs.New(errs.KindChainIncomplete, fmt.Sprintf("%s: %s", tsa.URL, verdict.Message))
	}

	certChanged, err := o.LTV.WriteChain(iid, verdict.Chain)
	if err != nil {
		return commitmsg.TokenTrailer{}, false, err
	}
	crlChanged, err := o.LTV.WriteCRLs(iid, verdict.CRLsAtIssue)
	if err != nil {
		return commitmsg.TokenTrailer{}, false, err
	}
	if certChanged {
		if err := o.Repo.AddPath(ctx, o.LTV.RelCertPath(iid)); err != nil {
			return commitmsg.TokenTrailer{}, false, err
		}
	}
	if crlChanged {
		if err := o.Repo.AddPath(ctx, o.LTV.RelCRLPath(iid)); err != nil {
			return commitmsg.TokenTrailer{}, false, err
		}
	}

	if o.Log != nil {
		o.Log.Audit("orchestrator", obslog.EventTokenRequested, "success", map[string]any{"tsa": tsa.URL, "iid": iid}, nil)
	}

	return tokenTrailer(tok, tsa.URL), certChanged || crlChanged, nil
}

func tokenTrailer(tok *primitives.Token, tsaURL string) commitmsg.TokenTrailer {
	return commitmsg.TokenTrailer{
		TSAURL:   tsaURL,
		InfoLine: tok.StatusString,
		Dump:     dumpToken(tok),
		TokenDER: tok.Raw,
	}
}

func dumpToken(tok *primitives.Token) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GenTime: %s", tok.GenTime.UTC().Format(time.RFC3339))
	if tok.SerialNumber != nil {
		fmt.Fprintf(&b, "\nSerialNumber: %s", tok.SerialNumber.Text(16))
	}
	if tok.PolicyOID != "" {
		fmt.Fprintf(&b, "\nPolicy: %s", tok.PolicyOID)
	}
	fmt.Fprintf(&b, "\nMessageImprint: %s:%s", tok.MessageHashAlg, hex.EncodeToString(tok.MessageHash))
	return b.String()
}
