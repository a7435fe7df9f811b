package orchestrator

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

// fakeTSA simulates a single TSA with a fixed signer/root pair: a
// certReq=true request (chain building's dummy token) returns the
// full chain, while a certReq=false request (the commit-time token)
// returns a signed token binding digest with no embedded certificates,
// matching a real TSA's minimal-response behavior.
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

func setup(t *testing.T) (dir string, repo *gitvcs.Repo, orch *Orchestrator, tsa *fakeTSA) {
	t.Helper()
	requireGit(t)
	dir = initRepo(t)

	var err error
	repo, err = gitvcs.Open(context.Background(), dir)
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
	validator := tokenvalidate.New(chains, crls, trust, obslog.Discard())
	ltv := ltvstore.Open(dir)
	tsa = &fakeTSA{leaf: leaf, root: root, leafKey: leafKey}

	orch = &Orchestrator{
		Repo:          repo,
		Client:        tsa,
		Chains:        chains,
		CRLs:          crls,
		Validator:     validator,
		LTV:           ltv,
		HashAlg:       digestbind.SHA256,
		TSAs:          []TSAConfig{{URL: "https://tsa.example/", Optional: false}},
		MaxIterations: 6,
		Log:           obslog.Discard(),
	}
	return dir, repo, orch, tsa
}

func TestSealCreatesSealingCommitAndConverges(t *testing.T) {
	dir, repo, orch, _ := setup(t)
	ctx := context.Background()

	original, err := repo.HeadCommit(ctx)
	require.NoError(t, err)

	commit, err := orch.Seal(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, commit, "expected a sealing commit to be created")

	parents, err := repo.Parents(ctx, commit)
	require.NoError(t, err)
	require.Equal(t, []string{original}, parents)

	msg, err := repo.CommitMessage(ctx, commit)
	require.NoError(t, err)
	require.True(t, commitmsg.IsTimestampCommit(msg), "expected sealing commit message to carry the subject marker, got %q", msg)

	parsed, err := commitmsg.Parse(msg)
	require.NoError(t, err)
	require.Len(t, parsed.Tokens, 1)
	require.Equal(t, "sha256", parsed.HashAlgorithm)

	_, err = os.ReadDir(filepath.Join(dir, ltvstore.RootDirName, "certs"))
	require.NoError(t, err, "expected LTV certs directory to exist")
}

func TestSealIsIdempotentOnAlreadySealedCommit(t *testing.T) {
	_, _, orch, _ := setup(t)
	ctx := context.Background()

	_, err := orch.Seal(ctx)
	require.NoError(t, err)

	commit, err := orch.Seal(ctx)
	require.NoError(t, err)
	require.Empty(t, commit, "expected no-op on an already-sealed HEAD")
}

type failingRequester struct{}

func (failingRequester) Request(ctx context.Context, tsaURL, hashAlg string, digest []byte, requireCerts bool) (*primitives.Token, error) {
	return nil, context.DeadlineExceeded
}

func TestSealAbortsAndDiscardsPViaSoftRewindWhenMandatoryTSAFails(t *testing.T) {
	_, repo, orch, _ := setup(t)
	ctx := context.Background()

	original, err := repo.HeadCommit(ctx)
	require.NoError(t, err)

	orch.Client = failingRequester{}
	_, err = orch.Seal(ctx)
	require.Error(t, err, "expected seal to fail when the sole mandatory TSA errors")

	// original (P) is the repository's sole, root commit, so the soft
	// rewind has nothing to rewind the branch tip back to: P is
	// discarded entirely, leaving an unborn branch, per spec §4.8
	// Abort semantics ("a soft rewind of the branch tip by one commit
	// so P is discarded") and boundary case B3.
	head, err := repo.HeadCommit(ctx)
	require.NoError(t, err)
	require.Empty(t, head, "expected P to be discarded by the soft rewind, leaving an unborn branch")
	require.NotEqual(t, original, head)
}

func TestSealAbortsAndRewindsHeadToGrandparentWhenPHasAParent(t *testing.T) {
	dir, repo, orch, _ := setup(t)
	ctx := context.Background()

	grandparent, err := repo.HeadCommit(ctx)
	require.NoError(t, err)

	cmd := exec.Command("git", "commit", "-q", "--allow-empty", "-m", "second")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git commit: %s", out)

	p, err := repo.HeadCommit(ctx)
	require.NoError(t, err)
	require.NotEqual(t, grandparent, p)

	orch.Client = failingRequester{}
	_, err = orch.Seal(ctx)
	require.Error(t, err, "expected seal to fail when the sole mandatory TSA errors")

	head, err := repo.HeadCommit(ctx)
	require.NoError(t, err)
	require.Equal(t, grandparent, head, "expected the soft rewind to move HEAD back to P's parent, discarding P")
}
