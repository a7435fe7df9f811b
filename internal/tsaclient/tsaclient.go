// Package tsaclient implements component C2: building an RFC3161
// TimeStampReq, POSTing it to a TSA, and unwrapping the reply into a
// Token. Grounded on the teacher's RFC3161Anchor.Commit/buildTSRequest/
// submitRequest (internal/anchors/rfc3161.go in the retrieval pack),
// generalized so the caller controls certReq explicitly (the commit
// path requests no certificates to keep commits small; the chain
// builder, C3, requests a throwaway token with certificates).
package tsaclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"gitstamp/internal/errs"
	"gitstamp/internal/primitives"
)

// Client requests timestamp tokens from a single TSA URL.
type Client struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New returns a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

// Request builds an RFC3161 TimeStampReq for digest (already hashed
// with hashAlg), POSTs it to tsaURL, and returns the parsed, validated
// Token. requireCerts sets CertReq in the request.
func (c *Client) Request(ctx context.Context, tsaURL string, hashAlg string, digest []byte, requireCerts bool) (*primitives.Token, error) {
	oid, err := primitives.HashAlgOID(hashAlg)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "unsupported hash algorithm", err)
	}

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "generate nonce", err)
	}

	req := primitives.TSRequest{
		Version: 1,
		MessageImprint: primitives.MessageImprint{
			HashAlgorithm: primitives.AlgorithmIdentifier{Algorithm: oid},
			HashedMessage: digest,
		},
		Nonce:   nonce,
		CertReq: requireCerts,
	}

	body, err := asn1.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("tsaclient: marshal TimeStampReq: %w", err)
	}

	respBytes, err := c.post(ctx, tsaURL, body)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, fmt.Sprintf("POST %s", tsaURL), err)
	}

	tok, err := primitives.ParseToken(respBytes)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "parse timestamp response", err)
	}

	if tok.Status != primitives.PKIStatusGranted && tok.Status != primitives.PKIStatusGrantedWithMods {
		return nil, &errs.TsaRejected{Status: tok.Status, StatusString: tok.StatusString}
	}

	if tok.Nonce == nil || tok.Nonce.Cmp(nonce) != 0 {
		return nil, errs.Wrap(errs.KindNonceMismatch, tsaURL, errs.ErrNonceMismatch)
	}

	return tok, nil
}

func (c *Client) post(ctx context.Context, tsaURL string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tsaURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tsa returned HTTP %d: %s", resp.StatusCode, string(snippet))
	}

	return io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
}
