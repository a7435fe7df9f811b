package primitives

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"crypto/x509"
)

// Token is a parsed RFC3161 TimeStampToken together with the response
// envelope it arrived in.
type Token struct {
	Status       int
	StatusString string
	FailInfo     int

	Version        int
	PolicyOID      string
	SerialNumber   *big.Int
	GenTime        time.Time
	Nonce          *big.Int
	MessageHashAlg string
	MessageHash    []byte

	Certificates []*x509.Certificate
	SignerCert   *x509.Certificate

	SignatureAlgorithm string
	Signature          []byte

	// EssCertIDHash / EssCertIDHashAlg describe the signer-certificate
	// identifier carried in the SignedAttrs, used to compute iid.
	EssCertIDHash    []byte
	EssCertIDHashAlg string // "sha1" for ESSCertID, else the ESSCertIDv2 algorithm

	// RawSignedAttrs is the DER encoding of the SignerInfo's SignedAttrs
	// field, re-tagged from its wire encoding ([0] IMPLICIT) to a
	// universal SET OF (tag 0x31) — exactly the bytes Signature is
	// computed over per RFC5652 §5.4. Empty when the token carries no
	// signed attributes, in which case Signature covers RawTSTInfo
	// directly.
	RawSignedAttrs []byte

	Raw        []byte
	RawTSTInfo []byte
}

// ParseToken parses a complete RFC3161 TimeStampResp.
func ParseToken(response []byte) (*Token, error) {
	var resp TSResponse
	if _, err := asn1.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("primitives: parse TimeStampResp: %w", err)
	}

	tok := &Token{Status: resp.Status.Status, Raw: response}
	if len(resp.Status.StatusString) > 0 {
		tok.StatusString = resp.Status.StatusString[0]
	}
	if resp.Status.FailInfo.BitLength > 0 {
		for i := 0; i < resp.Status.FailInfo.BitLength; i++ {
			if resp.Status.FailInfo.At(i) != 0 {
				tok.FailInfo |= 1 << i
			}
		}
	}

	if tok.Status != PKIStatusGranted && tok.Status != PKIStatusGrantedWithMods {
		return tok, nil
	}
	if len(resp.TimeStampToken.Bytes) == 0 {
		return tok, nil
	}

	var ci ContentInfo
	if _, err := asn1.Unmarshal(resp.TimeStampToken.Bytes, &ci); err != nil {
		return nil, fmt.Errorf("primitives: parse ContentInfo: %w", err)
	}
	if !ci.ContentType.Equal(OidSignedData) {
		return nil, fmt.Errorf("primitives: unexpected content type %s", ci.ContentType)
	}

	var sd SignedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("primitives: parse SignedData: %w", err)
	}

	if len(sd.Certificates.Bytes) > 0 {
		certs, err := ExtractCertificates(sd.Certificates.Bytes)
		if err != nil {
			return nil, fmt.Errorf("primitives: extract certificates: %w", err)
		}
		tok.Certificates = certs
	}

	if sd.EncapContentInfo.ContentType.Equal(OidTSTInfo) && len(sd.EncapContentInfo.Content.Bytes) > 0 {
		tok.RawTSTInfo = sd.EncapContentInfo.Content.Bytes

		var tstBytes []byte
		if _, err := asn1.Unmarshal(sd.EncapContentInfo.Content.Bytes, &tstBytes); err != nil {
			tstBytes = sd.EncapContentInfo.Content.Bytes
		}

		var tst TSTInfo
		if _, err := asn1.Unmarshal(tstBytes, &tst); err != nil {
			return nil, fmt.Errorf("primitives: parse TSTInfo: %w", err)
		}
		tok.Version = tst.Version
		tok.PolicyOID = tst.Policy.String()
		tok.SerialNumber = tst.SerialNumber
		tok.GenTime = tst.GenTime
		tok.Nonce = tst.Nonce
		tok.MessageHash = tst.MessageImprint.HashedMessage
		tok.MessageHashAlg = OidToHashName(tst.MessageImprint.HashAlgorithm.Algorithm)
	}

	if len(sd.SignerInfos) > 0 {
		si := sd.SignerInfos[0]
		tok.Signature = si.Signature
		tok.SignatureAlgorithm = OidToSigName(si.SignatureAlgorithm.Algorithm)

		var attrs []Attribute
		if len(si.SignedAttrs.FullBytes) > 0 {
			reencoded := reencodeSignedAttrsAsSet(si.SignedAttrs.FullBytes)
			if _, err := asn1.Unmarshal(reencoded, &attrs); err != nil {
				return nil, fmt.Errorf("primitives: parse SignedAttrs: %w", err)
			}
			tok.RawSignedAttrs = reencoded
		}

		hashAlg, hashVal, err := extractSigningCertID(attrs)
		if err != nil {
			return nil, fmt.Errorf("primitives: extract SigningCertificate attribute: %w", err)
		}
		tok.EssCertIDHashAlg = hashAlg
		tok.EssCertIDHash = hashVal
	}

	return tok, nil
}

// reencodeSignedAttrsAsSet rewrites the leading identifier octet of a
// SignerInfo's [0] IMPLICIT SignedAttrs encoding to the universal SET
// OF tag (0x31, constructed), leaving the length and content octets
// untouched. A CMS signature over SignedAttrs is defined over this
// re-tagged DER, not the on-wire [0] IMPLICIT form (RFC5652 §5.4).
func reencodeSignedAttrsAsSet(raw []byte) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	if len(out) > 0 {
		out[0] = 0x31
	}
	return out
}

// extractSigningCertID implements asn1_find_hex from spec §4.1: lift the
// ESSCertID{,V2} hash value out of the SignerInfo's signed attributes.
// SigningCertificateV2 (with its declared algorithm) takes priority over
// the legacy SigningCertificate (implicitly SHA-1), per spec §3's
// "Hc is SHA-1 when only V1 is present; otherwise SHA-256 (or the
// algorithm declared by V2)".
func extractSigningCertID(attrs []Attribute) (hashAlg string, hashVal []byte, err error) {
	var v1Hash []byte

	for _, attr := range attrs {
		switch {
		case attr.Type.Equal(OidSigningCertificateV2):
			if len(attr.Values) == 0 {
				continue
			}
			var certs essCertIDv2s
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &certs); err != nil {
				return "", nil, fmt.Errorf("parse ESSCertIDv2: %w", err)
			}
			if len(certs.Certs) == 0 {
				continue
			}
			alg := "sha256"
			if len(certs.Certs[0].HashAlgorithm.Algorithm) > 0 {
				alg = OidToHashName(certs.Certs[0].HashAlgorithm.Algorithm)
			}
			return alg, certs.Certs[0].CertHash, nil

		case attr.Type.Equal(OidSigningCertificate):
			if len(attr.Values) == 0 {
				continue
			}
			var certs essCertIDs
			if _, err := asn1.Unmarshal(attr.Values[0].FullBytes, &certs); err != nil {
				return "", nil, fmt.Errorf("parse ESSCertID: %w", err)
			}
			if len(certs.Certs) > 0 {
				v1Hash = certs.Certs[0].CertHash
			}
		}
	}

	if v1Hash != nil {
		return "sha1", v1Hash, nil
	}
	return "", nil, fmt.Errorf("no SigningCertificate or SigningCertificateV2 attribute present")
}

// ExtractCertificates parses a set of DER certificates out of a CMS
// Certificates field (pkcs7_extract_certs in spec terms).
func ExtractCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data

	for len(rest) > 0 {
		var rawCert asn1.RawValue
		newRest, err := asn1.Unmarshal(rest, &rawCert)
		if err != nil {
			return certs, fmt.Errorf("unmarshal certificate envelope: %w", err)
		}
		cert, err := x509.ParseCertificate(rawCert.FullBytes)
		if err != nil {
			return certs, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
		rest = newRest
	}

	return certs, nil
}

// TokenGenTime returns the token's claimed generation time (unix seconds).
func TokenGenTime(tok *Token) int64 {
	return tok.GenTime.Unix()
}

// TokenMessageImprint returns the (hash algorithm, digest) the token
// claims to timestamp.
func TokenMessageImprint(tok *Token) (alg string, digest []byte) {
	return tok.MessageHashAlg, tok.MessageHash
}

// IssuerID computes iid(token) = Hc(DER(signingCert)), the lowercase hex
// issuer id keying the LTV store. It returns the hex of the token's own
// ESSCertID{,V2} hash, which is that value, so no certificate is needed.
func IssuerID(tok *Token) (string, error) {
	if tok.EssCertIDHash == nil {
		return "", fmt.Errorf("primitives: token has no SigningCertificate identifier")
	}
	return hex.EncodeToString(tok.EssCertIDHash), nil
}

// HashCertDER hashes a certificate's DER bytes with the algorithm named
// by alg ("sha1" or "sha256"), for matching a candidate signer cert
// against a token's EssCertIDHash.
func HashCertDER(alg string, der []byte) []byte {
	switch alg {
	case "sha1":
		s := sha1.Sum(der)
		return s[:]
	default:
		s := sha256.Sum256(der)
		return s[:]
	}
}

func OidToHashName(oid asn1.ObjectIdentifier) string {
	switch {
	case oid.Equal(OidSHA256):
		return "sha256"
	case oid.Equal(OidSHA384):
		return "sha384"
	case oid.Equal(OidSHA512):
		return "sha512"
	case oid.Equal(OidSHA1):
		return "sha1"
	default:
		return oid.String()
	}
}

func OidToSigName(oid asn1.ObjectIdentifier) string {
	switch {
	case oid.Equal(OidSHA256WithRSA):
		return "sha256WithRSA"
	case oid.Equal(OidSHA384WithRSA):
		return "sha384WithRSA"
	case oid.Equal(OidSHA512WithRSA):
		return "sha512WithRSA"
	case oid.Equal(OidECDSAWithSHA256):
		return "ecdsaWithSHA256"
	case oid.Equal(OidECDSAWithSHA384):
		return "ecdsaWithSHA384"
	case oid.Equal(OidECDSAWithSHA512):
		return "ecdsaWithSHA512"
	default:
		return oid.String()
	}
}

// HashAlgOID returns the ASN.1 OID for a named hash algorithm.
func HashAlgOID(name string) (asn1.ObjectIdentifier, error) {
	switch name {
	case "sha1":
		return OidSHA1, nil
	case "sha256":
		return OidSHA256, nil
	case "sha384":
		return OidSHA384, nil
	case "sha512":
		return OidSHA512, nil
	default:
		return nil, fmt.Errorf("primitives: unknown hash algorithm %q", name)
	}
}
