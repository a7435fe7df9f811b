package tokenvalidate

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"gitstamp/internal/chainbuild"
	"gitstamp/internal/crlfetch"
	"gitstamp/internal/obslog"
	"gitstamp/internal/primitives"
	"gitstamp/internal/trustanchors"
)

func selfSignedRoot(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key, der
}

func TestValidateRejectsUntrustedRoot(t *testing.T) {
	root, rootKey, _ := selfSignedRoot(t)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "tsa"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("commit-tree-preimage"))
	genTime := time.Now()

	tok := &primitives.Token{
		SignerCert:  leaf,
		GenTime:     genTime,
		MessageHash: digest[:],
	}

	dir := t.TempDir()
	store, err := trustanchors.Open(dir, obslog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	v := New(chainbuild.New(nil, store, nil), crlfetch.New(nil, nil), store, obslog.Discard())
	verdict, err := v.Validate(context.Background(), nil, tok, digest[:], "", []*x509.Certificate{leaf, root})
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Valid {
		t.Fatal("expected invalid verdict for untrusted root")
	}
	if verdict.Outcome != primitives.OutcomeUntrustedRoot {
		t.Fatalf("expected OutcomeUntrustedRoot, got %v: %s", verdict.Outcome, verdict.Message)
	}
}

func TestValidateAcceptsTrustedChainButRejectsBadSignature(t *testing.T) {
	root, rootKey, rootDER := selfSignedRoot(t)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "tsa"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatal(err)
	}

	digest := sha256.Sum256([]byte("commit-tree-preimage"))

	tok := &primitives.Token{
		SignerCert:         leaf,
		GenTime:            time.Now(),
		MessageHash:        digest[:],
		Signature:          []byte("not-a-real-signature"),
		SignatureAlgorithm: "ecdsaWithSHA256",
		RawTSTInfo:         []byte("irrelevant content"),
	}

	dir := t.TempDir()
	store, err := trustanchors.Open(dir, obslog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	subjectHash, err := primitives.CertSubjectHashOpenSSLCompatible(rootDER)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Install(subjectHash, rootDER); err != nil {
		t.Fatal(err)
	}

	v := New(chainbuild.New(nil, store, nil), crlfetch.New(nil, nil), store, obslog.Discard())
	verdict, err := v.Validate(context.Background(), nil, tok, digest[:], "", []*x509.Certificate{leaf, root})
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Valid {
		t.Fatal("expected invalid verdict for bogus signature")
	}
}
