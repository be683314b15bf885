package directory

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - consensus signature digest per dir-spec.txt section 3.4
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// dirAuthorityFingerprints lists the v3ident fingerprints (SHA-1 of
// identity key DER, uppercase hex) of the hardcoded trusted directory
// authorities, per dir-spec.txt section 4.1.
var dirAuthorityFingerprints = map[string]bool{
	"F533C81CEF0BC0267857C99B2F471ADF249FA232": true, // moria1
	"2F3DF9CA0E5D36F2685A2DA67184EB8DCB8CBA8C": true, // tor26
	"E8A9C45EDE6D711294FADF8E7951F4DE6CA56B58": true, // dizum
	"70849B868D606BAECFB6128C5E3D782029AA394F": true, // Faravahar
	"23D15D965BC35114467363C165C4F724B64B4F66": true, // longclaw
	"27102BC123E7AF1D4741AE047E160C91ADC76B21": true, // bastet
	"0232AF901C31A04EE9848595AF9BB7620D4C5B2E": true, // dannenberg
	"49015F787433103580E3B66A1707A00E60F2D15B": true, // maatuska
	"ED03BB616EB2F60BEC80151114BB25CEF515B226": true, // gabelmoo
}

// minValidSignatures is the minimum number of distinct trusted authorities
// whose signature must validate before a consensus is trusted.
const minValidSignatures = 5

// parseConsensus parses a v3 network-status consensus document. It does not
// verify signatures; call verifySignatures separately once key
// certificates are available.
func parseConsensus(text string) (*Consensus, error) {
	c := &Consensus{BandwidthWeights: make(map[string]int64)}

	lines := strings.Split(text, "\n")
	var currentRelay *Relay

	flush := func() {
		if currentRelay != nil {
			c.Relays = append(c.Relays, *currentRelay)
			currentRelay = nil
		}
	}

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")

		switch {
		case strings.HasPrefix(line, "valid-after "):
			t, err := time.Parse("2006-01-02 15:04:05", line[len("valid-after "):])
			if err != nil {
				return nil, fmt.Errorf("parse valid-after: %w", err)
			}
			c.ValidAfter = t

		case strings.HasPrefix(line, "fresh-until "):
			t, err := time.Parse("2006-01-02 15:04:05", line[len("fresh-until "):])
			if err != nil {
				return nil, fmt.Errorf("parse fresh-until: %w", err)
			}
			c.FreshUntil = t

		case strings.HasPrefix(line, "valid-until "):
			t, err := time.Parse("2006-01-02 15:04:05", line[len("valid-until "):])
			if err != nil {
				return nil, fmt.Errorf("parse valid-until: %w", err)
			}
			c.ValidUntil = t

		case strings.HasPrefix(line, "r "):
			flush()
			relay, err := parseRouterLine(line)
			if err != nil {
				continue // skip unparseable router lines
			}
			currentRelay = relay

		case strings.HasPrefix(line, "a ") && currentRelay != nil:
			// additional-address line, unused for IPv4-only relay selection

		case strings.HasPrefix(line, "s ") && currentRelay != nil:
			parseFlags(currentRelay, line)

		case strings.HasPrefix(line, "w ") && currentRelay != nil:
			parseBandwidth(currentRelay, line)

		case strings.HasPrefix(line, "fam ") && currentRelay != nil:
			currentRelay.Family = strings.Fields(line)[1:]

		case strings.HasPrefix(line, "bandwidth-weights "):
			parseBandwidthWeights(c, line)
		}
	}
	flush()

	if c.ValidAfter.IsZero() || c.ValidUntil.IsZero() {
		return nil, fmt.Errorf("consensus missing validity timestamps")
	}
	return c, nil
}

// parseRouterLine parses an "r" line: r <nickname> <identity-b64>
// <digest-b64> <date> <time> <ip> <orport> <dirport>.
func parseRouterLine(line string) (*Relay, error) {
	parts := strings.Fields(line)
	if len(parts) < 9 {
		return nil, fmt.Errorf("r line too short: %q", line)
	}

	idBytes, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if len(idBytes) != 20 {
		return nil, fmt.Errorf("identity wrong length: %d", len(idBytes))
	}

	orPort, err := strconv.ParseUint(parts[7], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse ORPort: %w", err)
	}
	dirPort, err := strconv.ParseUint(parts[8], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse DirPort: %w", err)
	}

	relay := &Relay{
		Nickname: parts[1],
		Address:  parts[6],
		ORPort:   uint16(orPort),
		DirPort:  uint16(dirPort),
	}
	copy(relay.Identity[:], idBytes)
	return relay, nil
}

func parseFlags(relay *Relay, line string) {
	for _, f := range strings.Fields(line)[1:] {
		switch f {
		case "Authority":
			relay.Flags.Authority = true
		case "BadExit":
			relay.Flags.BadExit = true
		case "Exit":
			relay.Flags.Exit = true
		case "Fast":
			relay.Flags.Fast = true
		case "Guard":
			relay.Flags.Guard = true
		case "HSDir":
			relay.Flags.HSDir = true
		case "Running":
			relay.Flags.Running = true
		case "Stable":
			relay.Flags.Stable = true
		case "Valid":
			relay.Flags.Valid = true
		}
	}
}

func parseBandwidth(relay *Relay, line string) {
	for _, field := range strings.Fields(line)[1:] {
		if v, ok := strings.CutPrefix(field, "Bandwidth="); ok {
			if bw, err := strconv.ParseInt(v, 10, 64); err == nil {
				relay.Bandwidth = bw
			}
		}
	}
}

func parseBandwidthWeights(c *Consensus, line string) {
	for _, field := range strings.Fields(line)[1:] {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		if val, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.BandwidthWeights[k] = val
		}
	}
}

// validateFreshness rejects a consensus whose validity window has fully
// elapsed. Staleness within (FreshUntil, ValidUntil] is not rejected here;
// callers surface it via Consensus.Freshness.
func validateFreshness(c *Consensus, now time.Time) error {
	const skew = 5 * time.Minute

	if now.Before(c.ValidAfter.Add(-skew)) {
		return fmt.Errorf("consensus is from the future (valid-after %s, now %s)", c.ValidAfter, now)
	}
	if now.After(c.ValidUntil.Add(skew)) {
		return fmt.Errorf("consensus has expired (valid-until %s, now %s)", c.ValidUntil, now)
	}
	return nil
}

type signatureBlock struct {
	algorithm        string
	identity         string
	signingKeyDigest string
	signature        []byte
}

// verifySignatures cryptographically verifies consensus RSA signatures
// against certs, requiring at least minValidSignatures distinct trusted
// authorities to validate.
func verifySignatures(text string, certs []KeyCert) error {
	certByDigest := make(map[string]*KeyCert, len(certs))
	for i := range certs {
		certByDigest[certs[i].SigningKeyDigest] = &certs[i]
	}

	signedContentEnd := strings.Index(text, "\ndirectory-signature ")
	if signedContentEnd < 0 {
		return fmt.Errorf("no directory-signature found in consensus")
	}
	signedContentEnd += len("\ndirectory-signature ")
	signedContent := text[:signedContentEnd]

	verified := make(map[string]bool)
	for _, sig := range parseSignatureBlocks(text) {
		if !dirAuthorityFingerprints[sig.identity] {
			continue
		}
		cert, ok := certByDigest[sig.signingKeyDigest]
		if !ok || cert.IdentityFingerprint != sig.identity {
			continue
		}

		var h hash.Hash
		switch sig.algorithm {
		case "sha1", "":
			h = sha1.New() // #nosec G401
		case "sha256":
			h = sha256.New()
		default:
			continue
		}
		h.Write([]byte(signedContent))
		digest := h.Sum(nil)

		// Tor directory signatures use PKCS#1 v1.5 padding without the
		// ASN.1 DigestInfo prefix. crypto.Hash(0) tells rsa.VerifyPKCS1v15
		// to check raw padding around digest rather than prepending one.
		if rsa.VerifyPKCS1v15(cert.SigningKey, crypto.Hash(0), digest, sig.signature) != nil {
			continue
		}
		verified[sig.identity] = true
	}

	if len(verified) < minValidSignatures {
		return fmt.Errorf("consensus has %d valid signatures, need at least %d", len(verified), minValidSignatures)
	}
	return nil
}

func parseSignatureBlocks(text string) []signatureBlock {
	var blocks []signatureBlock
	remaining := text

	for {
		idx := strings.Index(remaining, "\ndirectory-signature ")
		if idx < 0 {
			break
		}
		remaining = remaining[idx+1:]

		lineEnd := strings.Index(remaining, "\n")
		if lineEnd < 0 {
			break
		}
		line := strings.TrimRight(remaining[:lineEnd], "\r")
		parts := strings.Fields(line)

		var sig signatureBlock
		switch len(parts) {
		case 3:
			sig.algorithm = "sha1"
			sig.identity = strings.ToUpper(parts[1])
			sig.signingKeyDigest = strings.ToUpper(parts[2])
		case 4:
			sig.algorithm = parts[1]
			sig.identity = strings.ToUpper(parts[2])
			sig.signingKeyDigest = strings.ToUpper(parts[3])
		default:
			continue
		}

		remaining = remaining[lineEnd+1:]
		sigStart := strings.Index(remaining, "-----BEGIN SIGNATURE-----")
		if sigStart < 0 {
			continue
		}
		sigEnd := strings.Index(remaining, "-----END SIGNATURE-----")
		if sigEnd < 0 {
			continue
		}

		b64 := remaining[sigStart+len("-----BEGIN SIGNATURE-----") : sigEnd]
		b64 = strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(b64)

		sigBytes, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			continue
		}
		sig.signature = sigBytes
		blocks = append(blocks, sig)
		remaining = remaining[sigEnd:]
	}

	return blocks
}
