// Package chainbuild implements component C3: assembling a complete,
// ordered certificate chain (signer-first, self-signed-root-last) for
// a timestamp token.
//
// The token received during normal commit creation carries no
// certificates (CertReq=false, to keep commits small), so chain
// building requests a fresh *dummy* token *with* certificates against
// the same TSA and digest, and extracts the embedded cert set — TSAs
// may rotate signing keys between requests, so this is retried up to
// K=10 times until the returned set actually contains the certificate
// matching the original token's signing-certificate identifier.
//
// Grounded on RFC3161Anchor.verifyCertificateChain
// (internal/anchors/rfc3161.go in the retrieval pack), which verifies
// a chain already present in a token's response; chainbuild generalizes
// this into an explicit ordered-chain construction step that runs
// before verification, since the chain must be persisted into LTV
// storage, not merely checked and discarded.
package chainbuild

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"gitstamp/internal/errs"
	"gitstamp/internal/fetchcache"
	"gitstamp/internal/obslog"
	"gitstamp/internal/primitives"
	"gitstamp/internal/trustanchors"
)

// maxDummyTokenAttempts bounds the retry loop against a TSA whose
// signing certificate rotates between requests (spec §4.3, K=10).
const maxDummyTokenAttempts = 10

// maxChainDepth bounds the AIA-following loop against a forged or
// misconfigured chain that never reaches a self-signed root.
const maxChainDepth = 10

// TokenRequester is the subset of tsaclient.Client that Build needs,
// so tests can substitute a deterministic fake.
type TokenRequester interface {
	Request(ctx context.Context, tsaURL, hashAlg string, digest []byte, requireCerts bool) (*primitives.Token, error)
}

// Builder assembles ordered certificate chains.
type Builder struct {
	HTTPClient *http.Client
	Cache      *fetchcache.Cache // optional; nil disables AIA-fetch caching
	Trust      *trustanchors.Store
	Log        *obslog.Logger
}

// New returns a Builder with a default HTTP client.
func New(cache *fetchcache.Cache, trust *trustanchors.Store, log *obslog.Logger) *Builder {
	return &Builder{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Cache:      cache,
		Trust:      trust,
		Log:        log,
	}
}

// Build implements build_chain(token, digest, tsa_url): it requests
// dummy tokens from requester until one's cert set contains the
// signing certificate matching tok's issuer id, then walks from that
// certificate to a self-signed root, fetching missing intermediates
// over AIA, and finally verifies the assembled chain against the
// trust store.
func (b *Builder) Build(ctx context.Context, requester TokenRequester, tok *primitives.Token, digest []byte, tsaURL string) ([]*x509.Certificate, error) {
	if tok.EssCertIDHash == nil {
		return nil, errs.New(errs.KindChainIncomplete, "chainbuild: token carries no SigningCertificate identifier")
	}

	signer, dummySet, err := b.findSigningCert(ctx, requester, tok, digest, tsaURL)
	if err != nil {
		return nil, err
	}

	chain := []*x509.Certificate{signer}
	top := signer

	for i := 0; i < maxChainDepth; i++ {
		if isSelfSigned(top) {
			if err := b.verifyAgainstTrust(chain); err != nil {
				return nil, err
			}
			return chain, nil
		}

		if issuer := issuerIn(dummySet, top); issuer != nil {
			chain = append(chain, issuer)
			top = issuer
			continue
		}

		if anchor := b.issuerInTrustStore(top); anchor != nil {
			chain = append(chain, anchor)
			if err := b.verifyAgainstTrust(chain); err != nil {
				return nil, err
			}
			return chain, nil
		}

		if len(top.IssuingCertificateURL) == 0 {
			return nil, errs.New(errs.KindChainIncomplete, fmt.Sprintf("no AIA CA Issuers URL for %s and issuer not in dummy set or trust store", top.Subject))
		}

		fetched, fetchErr := b.fetchIssuer(ctx, top)
		if fetchErr != nil {
			return nil, errs.Wrap(errs.KindChainIncomplete, fmt.Sprintf("fetch issuer of %s", top.Subject), fetchErr)
		}
		chain = append(chain, fetched)
		top = fetched
	}

	return nil, errs.New(errs.KindChainIncomplete, fmt.Sprintf("chain exceeded %d certificates without reaching a self-signed root", maxChainDepth))
}

// findSigningCert repeatedly requests a dummy certReq=true token for
// (digest, tsaURL) until the returned certificate set contains a cert
// whose Hc(DER(cert)) equals tok's EssCertIDHash, or attempts are
// exhausted.
func (b *Builder) findSigningCert(ctx context.Context, requester TokenRequester, tok *primitives.Token, digest []byte, tsaURL string) (*x509.Certificate, []*x509.Certificate, error) {
	hashAlg := tok.EssCertIDHashAlg
	if hashAlg == "" {
		hashAlg = "sha256"
	}

	for attempt := 0; attempt < maxDummyTokenAttempts; attempt++ {
		dummy, err := requester.Request(ctx, tsaURL, tok.MessageHashAlg, digest, true)
		if err != nil {
			if b.Log != nil {
				b.Log.Warn("chainbuild: dummy token request failed", "attempt", attempt, "error", err)
			}
			continue
		}
		for _, cand := range dummy.Certificates {
			if bytesEqual(primitives.HashCertDER(hashAlg, cand.Raw), tok.EssCertIDHash) {
				return cand, dummy.Certificates, nil
			}
		}
	}

	return nil, nil, errs.New(errs.KindChainIncomplete, fmt.Sprintf("no dummy token's certificate set matched the signing certificate after %d attempts", maxDummyTokenAttempts))
}

func issuerIn(set []*x509.Certificate, cert *x509.Certificate) *x509.Certificate {
	for _, cand := range set {
		if string(cand.RawSubject) == string(cert.RawIssuer) && cert.CheckSignatureFrom(cand) == nil {
			return cand
		}
	}
	return nil
}

func (b *Builder) issuerInTrustStore(cert *x509.Certificate) *x509.Certificate {
	if b.Trust == nil {
		return nil
	}
	for _, candidates := range b.Trust.AllCerts() {
		if string(candidates.RawSubject) == string(cert.RawIssuer) && cert.CheckSignatureFrom(candidates) == nil {
			return candidates
		}
	}
	return nil
}

func (b *Builder) verifyAgainstTrust(chain []*x509.Certificate) error {
	if b.Trust == nil {
		return nil
	}
	result := primitives.X509Verify(chain, b.Trust.Pool(), nil, time.Now())
	if result.Outcome == primitives.OutcomeUntrustedRoot {
		return errs.Wrap(errs.KindUntrustedRoot, "chain root is not in the trust store", errs.ErrUntrustedRoot)
	}
	return nil
}

// fetchIssuer retrieves cert's issuing certificate over its AIA "CA
// Issuers" access method, using the fetch cache if configured.
func (b *Builder) fetchIssuer(ctx context.Context, cert *x509.Certificate) (*x509.Certificate, error) {
	var lastErr error
	for _, u := range cert.IssuingCertificateURL {
		der, err := b.fetchURL(ctx, u)
		if err != nil {
			lastErr = err
			continue
		}
		issuer, err := parseIssuerDER(der)
		if err != nil {
			lastErr = err
			continue
		}
		if b.Log != nil {
			b.Log.Info("chainbuild: fetched intermediate over AIA", "url", u, "subject", issuer.Subject.String())
		}
		return issuer, nil
	}
	return nil, lastErr
}

func (b *Builder) fetchURL(ctx context.Context, url string) ([]byte, error) {
	if b.Cache != nil {
		if cached, ok := b.Cache.Get(url); ok {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AIA fetch %s: HTTP %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if b.Cache != nil {
		_ = b.Cache.Put(url, data)
	}
	return data, nil
}

// parseIssuerDER accepts a bare DER certificate, a PEM-encoded
// certificate, or a concatenation of DER certificates (returning the
// first). PKCS#7 "certs-only" responses are not parsed.
func parseIssuerDER(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}

	if cert, err := x509.ParseCertificate(data); err == nil {
		return cert, nil
	}
	certs, err := x509.ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("parse AIA response: %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("AIA response contained no certificates")
	}
	return certs[0], nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	if string(cert.RawIssuer) != string(cert.RawSubject) {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
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
