// Package commitmsg builds and parses the message body of a
// timestamp commit: a fixed subject marker, a block of header
// trailers (protocol version, hash algorithm, preimage, digest), and
// one `Timestamp:` trailer per TSA token carrying that TSA's URL, its
// disclaimer/info line (preserved verbatim under the issuing TSA's
// usage policy), a human-readable dump of the token's fields, and the
// base64 PEM-wrapped DER token itself.
//
// Continuation lines (everything under a `Timestamp:` trailer) are
// folded with a single leading space, matching the git trailer
// convention the teacher's commit-message-adjacent code never needed
// but which is documented the same way standard git trailers are:
// one key per unindented line, multi-line bodies indented by exactly
// one column.
package commitmsg

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// SubjectMarker is the fixed first-line prefix identifying a
// timestamp commit. The post-commit hook's recursion guard checks
// this before doing any work.
const SubjectMarker = "gitstamp: seal"

const (
	trailerVersion  = "Version:"
	trailerHashAlgo = "Hash-Algorithm:"
	trailerPreimage = "Preimage:"
	trailerDigest   = "Digest:"
	trailerTime     = "Timestamp:"

	tokenBeginMarker = "-----BEGIN RFC3161 TOKEN-----"
	tokenEndMarker   = "-----END RFC3161 TOKEN-----"
)

// TokenTrailer is one TSA's contribution to a timestamp commit.
type TokenTrailer struct {
	TSAURL   string
	InfoLine string // the TSA's disclaimer/usage-policy line, preserved verbatim
	Dump     string // human-readable token field dump, one line per field
	TokenDER []byte
}

// Message is a fully parsed timestamp commit body.
type Message struct {
	Version       int
	HashAlgorithm string
	Preimage      string
	DigestHex     string
	Tokens        []TokenTrailer
}

// IsTimestampCommit reports whether message's first line begins with
// SubjectMarker — the orchestrator's idempotence / recursion guard.
func IsTimestampCommit(message string) bool {
	firstLine, _, _ := strings.Cut(message, "\n")
	return strings.HasPrefix(firstLine, SubjectMarker)
}

// Build renders a complete timestamp commit message.
func Build(version int, hashAlgorithm, preimage, digestHex string, tokens []TokenTrailer) string {
	var b strings.Builder
	fmt.Fprintln(&b, SubjectMarker)
	fmt.Fprintf(&b, "%s %d\n", trailerVersion, version)
	fmt.Fprintf(&b, "%s %s\n", trailerHashAlgo, hashAlgorithm)
	fmt.Fprintf(&b, "%s %s\n", trailerPreimage, preimage)
	fmt.Fprintf(&b, "%s %s\n", trailerDigest, digestHex)

	for _, tok := range tokens {
		fmt.Fprintf(&b, "%s %s\n", trailerTime, tok.TSAURL)
		if tok.InfoLine != "" {
			for _, line := range strings.Split(tok.InfoLine, "\n") {
				fmt.Fprintf(&b, " %s\n", line)
			}
		}
		if tok.Dump != "" {
			for _, line := range strings.Split(strings.TrimRight(tok.Dump, "\n"), "\n") {
				fmt.Fprintf(&b, " %s\n", line)
			}
		}
		fmt.Fprintf(&b, " %s\n", tokenBeginMarker)
		encoded := base64.StdEncoding.EncodeToString(tok.TokenDER)
		for _, line := range wrap64(encoded, 64) {
			fmt.Fprintf(&b, " %s\n", line)
		}
		fmt.Fprintf(&b, " %s\n", tokenEndMarker)
	}

	return b.String()
}

func wrap64(s string, width int) []string {
	var lines []string
	for len(s) > width {
		lines = append(lines, s[:width])
		s = s[width:]
	}
	if len(s) > 0 {
		lines = append(lines, s)
	}
	return lines
}

// Parse extracts the header trailers and token trailers from a
// timestamp commit message. Unknown leading (unindented) trailers are
// skipped, per the "parsers MUST tolerate additional unknown
// trailers" contract; a `Timestamp:` trailer whose base64 body fails
// to decode is dropped silently rather than causing Parse to fail, so
// it never reaches the caller. The validator walker separately marks a
// trailer that decodes but does not parse as a token as "skipped", not
// "invalid" (spec boundary case: a decoy trailer labeled Timestamp:
// that isn't a real token).
func Parse(message string) (*Message, error) {
	if !IsTimestampCommit(message) {
		return nil, fmt.Errorf("commitmsg: message is not a timestamp commit")
	}

	lines := strings.Split(message, "\n")
	msg := &Message{}

	i := 1
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, trailerVersion):
			v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, trailerVersion)))
			if err != nil {
				return nil, fmt.Errorf("commitmsg: parse Version trailer: %w", err)
			}
			msg.Version = v
			i++
		case strings.HasPrefix(line, trailerHashAlgo):
			msg.HashAlgorithm = strings.TrimSpace(strings.TrimPrefix(line, trailerHashAlgo))
			i++
		case strings.HasPrefix(line, trailerPreimage):
			msg.Preimage = strings.TrimSpace(strings.TrimPrefix(line, trailerPreimage))
			i++
		case strings.HasPrefix(line, trailerDigest):
			msg.DigestHex = strings.TrimSpace(strings.TrimPrefix(line, trailerDigest))
			i++
		case strings.HasPrefix(line, trailerTime):
			tok, next, err := parseTokenTrailer(lines, i)
			if err != nil {
				// Decoy/malformed Timestamp: trailer: skip it, not fatal.
				i = next
				continue
			}
			msg.Tokens = append(msg.Tokens, tok)
			i = next
		default:
			i++
		}
	}

	return msg, nil
}

// parseTokenTrailer parses the Timestamp: trailer starting at
// lines[start], consuming its continuation lines (each prefixed with
// exactly one space), and returns the index of the first line after
// it.
func parseTokenTrailer(lines []string, start int) (TokenTrailer, int, error) {
	tok := TokenTrailer{TSAURL: strings.TrimSpace(strings.TrimPrefix(lines[start], trailerTime))}
	i := start + 1

	var infoAndDump []string
	var b64Lines []string
	inToken := false

	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(line, " ") {
			break
		}
		content := strings.TrimPrefix(line, " ")
		switch {
		case content == tokenBeginMarker:
			inToken = true
		case content == tokenEndMarker:
			i++
			goto done
		case inToken:
			b64Lines = append(b64Lines, content)
		default:
			infoAndDump = append(infoAndDump, content)
		}
		i++
	}

done:
	if len(b64Lines) == 0 {
		return TokenTrailer{}, i, fmt.Errorf("commitmsg: Timestamp trailer has no token body")
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(b64Lines, ""))
	if err != nil {
		return TokenTrailer{}, i, fmt.Errorf("commitmsg: decode token base64: %w", err)
	}
	if len(infoAndDump) > 0 {
		tok.InfoLine = infoAndDump[0]
		tok.Dump = strings.Join(infoAndDump[1:], "\n")
	}
	tok.TokenDER = der
	return tok, i, nil
}
