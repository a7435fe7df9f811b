package walker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitstamp/internal/chainbuild"
	"gitstamp/internal/commitmsg"
	"gitstamp/internal/crlfetch"
	"gitstamp/internal/digestbind"
	"gitstamp/internal/gitvcs"
	"gitstamp/internal/ltvstore"
	"gitstamp/internal/obslog"
	"gitstamp/internal/orchestrator"
	"gitstamp/internal/primitives"
	"gitstamp/internal/tokenvalidate"
	"gitstamp/internal/trustanchors"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	run("add", "a.txt")
	run("commit", "-q", "-m", "initial")
	return dir
}

func genCert(t *testing.T, cn string, issuer *x509.Certificate, issuerKey *ecdsa.PrivateKey, isCA bool) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}
	parent, signKey := tmpl, key
	if issuer != nil {
		parent, signKey = issuer, issuerKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

// fakeTSA mirrors the orchestrator package's own test double: a single
// TSA whose certReq=true responses carry the full chain and whose
// certReq=false responses carry a minimal, genuinely verifiable token.
type fakeTSA struct {
	leaf, root *x509.Certificate
	leafKey    *ecdsa.PrivateKey
}

func (f *fakeTSA) Request(ctx context.Context, tsaURL, hashAlg string, digest []byte, requireCerts bool) (*primitives.Token, error) {
	now := time.Now()
	if requireCerts {
		return &primitives.Token{Certificates: []*x509.Certificate{f.leaf, f.root}, GenTime: now}, nil
	}

	rawTSTInfo := append([]byte("tstinfo:"), digest...)
	hash := sha256.Sum256(rawTSTInfo)
	sig, err := ecdsa.SignASN1(rand.Reader, f.leafKey, hash[:])
	if err != nil {
		return nil, err
	}

	return &primitives.Token{
		GenTime:            now,
		MessageHashAlg:     "sha256",
		MessageHash:        append([]byte(nil), digest...),
		EssCertIDHash:      primitives.HashCertDER("sha256", f.leaf.Raw),
		EssCertIDHashAlg:   "sha256",
		SignatureAlgorithm: "ecdsaWithSHA256",
		Signature:          sig,
		RawTSTInfo:         rawTSTInfo,
		StatusString:       "operation okay",
		Raw:                rawTSTInfo,
		SerialNumber:       big.NewInt(1),
	}, nil
}

// sealedFixture seals a fresh repository's initial commit via the real
// orchestrator, then returns a Walker wired against the same
// collaborators, so the walker is exercised against an actually-sealed
// commit rather than a hand-built fixture.
func sealedFixture(t *testing.T) (dir string, repo *gitvcs.Repo, w *Walker, tsa *fakeTSA, sealed string) {
	t.Helper()
	requireGit(t)
	dir = initRepo(t)

	ctx := context.Background()
	var err error
	repo, err = gitvcs.Open(ctx, dir)
	require.NoError(t, err)

	trust, err := trustanchors.Open(t.TempDir(), obslog.Discard())
	require.NoError(t, err)

	root, rootKey := genCert(t, "root", nil, nil, true)
	leaf, leafKey := genCert(t, "signer", root, rootKey, false)

	subjectHash, err := primitives.CertSubjectHashOpenSSLCompatible(root.Raw)
	require.NoError(t, err)
	require.NoError(t, trust.Install(subjectHash, root.Raw))

	chains := chainbuild.New(nil, trust, obslog.Discard())
	crls := crlfetch.New(nil, obslog.Discard())
	ltv := ltvstore.Open(dir)
	tsa = &fakeTSA{leaf: leaf, root: root, leafKey: leafKey}

	validator := tokenvalidate.New(chains, crls, trust, obslog.Discard())

	orch := &orchestrator.Orchestrator{
		Repo:          repo,
		Client:        tsa,
		Chains:        chains,
		CRLs:          crls,
		Validator:     validator,
		LTV:           ltv,
		HashAlg:       digestbind.SHA256,
		TSAs:          []orchestrator.TSAConfig{{URL: "https://tsa.example/", Optional: false}},
		MaxIterations: 6,
		Log:           obslog.Discard(),
	}

	sealed, err = orch.Seal(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sealed, "expected the fixture to produce a sealing commit")

	w = New(repo, ltv, chains, crls, trust, tsa, obslog.Discard())
	return dir, repo, w, tsa, sealed
}

func findCommit(report *Report, commit string) *CommitReport {
	for i := range report.Commits {
		if report.Commits[i].Commit == commit {
			return &report.Commits[i]
		}
	}
	return nil
}

func TestValidateAcceptsFreshlySealedCommit(t *testing.T) {
	_, _, w, _, sealed := sealedFixture(t)
	ctx := context.Background()

	report, err := w.Validate(ctx, "HEAD")
	require.NoError(t, err)
	require.True(t, report.OK, "expected a fully valid walk, got %+v", report)

	found := findCommit(report, sealed)
	require.NotNil(t, found, "sealed commit %s not present in report", sealed)
	require.True(t, found.IsTimestamp)
	require.True(t, found.Valid)
	require.Equal(t, 1, found.ValidCount())
	require.Contains(t, found.Summary(), "contains 1 valid timestamp tokens.")
}

func TestValidateDetectsDigestMismatch(t *testing.T) {
	dir, repo, w, _, sealed := sealedFixture(t)
	ctx := context.Background()

	parents, err := repo.Parents(ctx, sealed)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	innerParent := parents[0]

	msg, err := repo.CommitMessage(ctx, sealed)
	require.NoError(t, err)

	// Graft the sealed commit's exact message (including its token,
	// still bound to the original tree) onto a tree that differs from
	// what it was actually sealed over — simulating a content change
	// made after the fact without resealing.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.txt"), []byte("tampered"), 0o644))
	require.NoError(t, repo.AddPath(ctx, "junk.txt"))
	tamperedTree, err := repo.WriteTreeHash(ctx)
	require.NoError(t, err)
	tampered, err := repo.CommitTree(ctx, tamperedTree, innerParent, msg)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateRef(ctx, "HEAD", tampered))

	report, err := w.Validate(ctx, "HEAD")
	require.NoError(t, err)
	require.False(t, report.OK, "expected the tampered commit to fail validation")

	found := findCommit(report, tampered)
	require.NotNil(t, found, "tampered commit %s not present in report", tampered)
	require.False(t, found.Valid)
	require.Len(t, found.Tokens, 1)
	require.Equal(t, "digest_mismatch", found.Tokens[0].Reason)
}

func TestValidateSkipsDecoyTimestampTrailerButAcceptsRealOne(t *testing.T) {
	_, repo, w, _, sealed := sealedFixture(t)
	ctx := context.Background()

	parsed, err := commitmsg.Parse(mustMessage(t, repo, sealed))
	require.NoError(t, err)
	require.Len(t, parsed.Tokens, 1)

	decoy := commitmsg.TokenTrailer{TSAURL: "https://decoy.example/", TokenDER: []byte("not a real token")}
	msg := commitmsg.Build(parsed.Version, parsed.HashAlgorithm, parsed.Preimage, parsed.DigestHex,
		append([]commitmsg.TokenTrailer{decoy}, parsed.Tokens...))

	parents, err := repo.Parents(ctx, sealed)
	require.NoError(t, err)
	require.Len(t, parents, 1)
	tree, err := repo.TreeOf(ctx, sealed)
	require.NoError(t, err)
	withDecoy, err := repo.CommitTree(ctx, tree, parents[0], msg)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateRef(ctx, "HEAD", withDecoy))

	report, err := w.Validate(ctx, "HEAD")
	require.NoError(t, err)
	require.True(t, report.OK, "expected the decoy trailer to be skipped rather than invalidate the commit: %+v", report)

	found := findCommit(report, withDecoy)
	require.NotNil(t, found, "commit %s not present in report", withDecoy)
	require.True(t, found.Valid)
	require.Equal(t, 1, found.ValidCount())

	var sawSkipped bool
	for _, tv := range found.Tokens {
		if tv.Skipped {
			sawSkipped = true
		}
	}
	require.True(t, sawSkipped, "expected the decoy trailer to surface as Skipped, got %+v", found.Tokens)
}

func mustMessage(t *testing.T, repo *gitvcs.Repo, commit string) string {
	t.Helper()
	msg, err := repo.CommitMessage(context.Background(), commit)
	require.NoError(t, err)
	return msg
}
