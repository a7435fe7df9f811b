// Package primitives implements the pure byte-string operations that
// every other gitstamp component builds on (component C1): ASN.1
// structures for RFC3161 tokens, hashing, X.509/CMS verification
// wrappers. Nothing in this package performs network I/O.
//
// The ASN.1 structures are grounded on the teacher's RFC3161 client
// (internal/anchors/rfc3161.go in the retrieval pack) and generalized
// to also expose the SignerInfo's SigningCertificate / SigningCertificateV2
// attribute, which the teacher never needed because it only requests
// timestamps, it never builds LTV chains from the embedded cert id.
package primitives

import (
	"encoding/asn1"
	"math/big"
	"time"
)

// Hash algorithm OIDs used in messageImprint and ESSCertID{,V2}.
var (
	OidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	OidSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OidTSTInfo       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
	OidContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OidMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OidSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}

	// SigningCertificate (ESSCertID, RFC 2634) / SigningCertificateV2
	// (ESSCertIDv2, RFC 5035) signed-attribute OIDs.
	OidSigningCertificate   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
	OidSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}

	OidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OidSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OidSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// PKIStatus values, RFC 3161 §2.4.2.
const (
	PKIStatusGranted                = 0
	PKIStatusGrantedWithMods        = 1
	PKIStatusRejection              = 2
	PKIStatusWaiting                = 3
	PKIStatusRevocationWarning      = 4
	PKIStatusRevocationNotification = 5
)

// TSRequest is the RFC3161 TimeStampReq.
type TSRequest struct {
	Version        int
	MessageImprint MessageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
	Extensions     []asn1.RawValue       `asn1:"optional,tag:0"`
}

// MessageImprint carries the hash algorithm and digest to be timestamped.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// AlgorithmIdentifier per X.509.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// TSResponse is the RFC3161 TimeStampResp.
type TSResponse struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatusInfo per RFC3161 §2.4.2.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// ContentInfo wraps CMS content (PKCS#7 outer envelope).
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// SignedData is the CMS/PKCS#7 SignedData structure carrying the token.
type SignedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo EncapContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []SignerInfo  `asn1:"set"`
}

// EncapContentInfo wraps the TSTInfo bytes.
type EncapContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// SignerInfo carries the signature plus the signed attributes, among
// them the SigningCertificate{,V2} identifier that binds the token to
// a specific signer certificate DER (component of the "iid").
type SignerInfo struct {
	Version          int
	SignerIdentifier asn1.RawValue
	DigestAlgorithm  AlgorithmIdentifier
	// SignedAttrs is captured raw (not unmarshaled directly into
	// []Attribute) because what a conformant SignerInfo actually signs
	// is the DER encoding of this field re-tagged as a universal SET OF
	// (tag 0x31), not the [0] IMPLICIT context-specific encoding it
	// carries on the wire (RFC5652 §5.4). See reencodeSignedAttrsAsSet.
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      []Attribute `asn1:"optional,tag:1"`
}

// Attribute is a generic CMS signed/unsigned attribute.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// TSTInfo is the RFC3161 timestamp payload.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       Accuracy        `asn1:"optional"`
	Ordering       bool            `asn1:"optional"`
	Nonce          *big.Int        `asn1:"optional"`
	TSA            asn1.RawValue   `asn1:"optional,tag:0"`
	Extensions     []asn1.RawValue `asn1:"optional,tag:1"`
}

// Accuracy is the optional TSTInfo accuracy field.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
	Micros  int `asn1:"optional,tag:1"`
}

// essCertID is RFC 2634's ESSCertID (SHA-1 only, implicitly).
type essCertID struct {
	CertHash []byte
	IssuerSerial asn1.RawValue `asn1:"optional"`
}

type essCertIDs struct {
	Certs []essCertID
}

// essCertIDv2 is RFC 5035's ESSCertIDv2 (explicit hash algorithm,
// defaults to SHA-256 when the algorithm field is absent).
type essCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  asn1.RawValue `asn1:"optional"`
}

type essCertIDv2s struct {
	Certs []essCertIDv2
}
