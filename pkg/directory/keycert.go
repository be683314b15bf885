package directory

import (
	"context"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - authority fingerprints are SHA-1 per dir-spec.txt
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// KeyCert is a parsed directory authority key certificate: the medium-term
// signing key an authority uses to sign consensus documents, bound to its
// long-term identity key.
type KeyCert struct {
	IdentityFingerprint string
	SigningKeyDigest    string
	SigningKey          *rsa.PublicKey
	Expires             time.Time
}

// fetchKeyCerts fetches authority key certificates, trying each configured
// authority address until one succeeds.
func (c *Client) fetchKeyCerts(ctx context.Context) ([]KeyCert, error) {
	var lastErr error
	for _, authority := range c.authorities {
		text, err := c.fetchKeyCertsFrom(ctx, authority)
		if err != nil {
			lastErr = err
			continue
		}
		certs := parseKeyCerts(text)
		if len(certs) == 0 {
			lastErr = fmt.Errorf("no valid key certs from %s", authority)
			continue
		}
		return certs, nil
	}
	return nil, fmt.Errorf("all directory authorities failed for key certs: %w", lastErr)
}

func (c *Client) fetchKeyCertsFrom(ctx context.Context, authorityURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorityURL+"/tor/keys/all", nil)
	if err != nil {
		return "", fmt.Errorf("build key cert request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch key certs from %s: %w", authorityURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch key certs from %s: HTTP %d", authorityURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read key certs from %s: %w", authorityURL, err)
	}
	return string(body), nil
}

// parseKeyCerts parses concatenated authority key certificate text,
// returning only certificates belonging to a known authority fingerprint
// that have not expired.
func parseKeyCerts(text string) []KeyCert {
	var certs []KeyCert
	now := time.Now()

	for _, block := range splitCertBlocks(text) {
		kc, err := parseOneKeyCert(block, now)
		if err != nil {
			continue
		}
		certs = append(certs, *kc)
	}
	return certs
}

func splitCertBlocks(text string) []string {
	const marker = "dir-key-certificate-version"
	var blocks []string
	remaining := text
	for {
		idx := strings.Index(remaining, marker)
		if idx < 0 {
			break
		}
		remaining = remaining[idx:]
		next := strings.Index(remaining[1:], marker)
		if next < 0 {
			blocks = append(blocks, remaining)
			break
		}
		blocks = append(blocks, remaining[:next+1])
		remaining = remaining[next+1:]
	}
	return blocks
}

type keyCertFields struct {
	fingerprint    string
	expires        time.Time
	signingKeyPEM  string
	identityKeyPEM string
}

func parseOneKeyCert(block string, now time.Time) (*KeyCert, error) {
	fields := extractKeyCertFields(block)

	if fields.fingerprint == "" {
		return nil, fmt.Errorf("missing fingerprint")
	}
	if !dirAuthorityFingerprints[fields.fingerprint] {
		return nil, fmt.Errorf("unknown authority: %s", fields.fingerprint)
	}
	if err := verifyIdentityFingerprint(fields.identityKeyPEM, fields.fingerprint); err != nil {
		return nil, err
	}
	if !fields.expires.IsZero() && now.After(fields.expires) {
		return nil, fmt.Errorf("expired cert for %s", fields.fingerprint)
	}

	return parseSigningKey(fields)
}

func extractKeyCertFields(block string) keyCertFields {
	var f keyCertFields
	lines := strings.Split(block, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "fingerprint "):
			f.fingerprint = strings.ToUpper(strings.TrimSpace(line[len("fingerprint "):]))
		case strings.HasPrefix(line, "dir-key-expires "):
			if t, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(line[len("dir-key-expires "):])); err == nil {
				f.expires = t
			}
		case line == "dir-identity-key" && i+1 < len(lines):
			f.identityKeyPEM = extractPEMBlock(lines[i+1:])
		case line == "dir-signing-key" && i+1 < len(lines):
			f.signingKeyPEM = extractPEMBlock(lines[i+1:])
		}
	}
	return f
}

func verifyIdentityFingerprint(identityKeyPEM, fingerprint string) error {
	if identityKeyPEM == "" {
		return nil
	}
	idBlock, _ := pem.Decode([]byte(identityKeyPEM))
	if idBlock == nil {
		return nil
	}
	idDigest := sha1.Sum(idBlock.Bytes) // #nosec G401
	computedFP := strings.ToUpper(hex.EncodeToString(idDigest[:]))
	if computedFP != fingerprint {
		return fmt.Errorf("identity key fingerprint mismatch for %s: computed %s", fingerprint, computedFP)
	}
	return nil
}

func parseSigningKey(f keyCertFields) (*KeyCert, error) {
	if f.signingKeyPEM == "" {
		return nil, fmt.Errorf("missing signing key for %s", f.fingerprint)
	}
	pemBlock, _ := pem.Decode([]byte(f.signingKeyPEM))
	if pemBlock == nil {
		return nil, fmt.Errorf("decode PEM for %s", f.fingerprint)
	}
	pubKey, err := x509.ParsePKCS1PublicKey(pemBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key for %s: %w", f.fingerprint, err)
	}
	digest := sha1.Sum(pemBlock.Bytes) // #nosec G401
	return &KeyCert{
		IdentityFingerprint: f.fingerprint,
		SigningKeyDigest:    strings.ToUpper(hex.EncodeToString(digest[:])),
		SigningKey:          pubKey,
		Expires:             f.expires,
	}, nil
}

func extractPEMBlock(lines []string) string {
	var sb strings.Builder
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		sb.WriteString(line)
		sb.WriteString("\n")
		if strings.HasPrefix(line, "-----END ") {
			break
		}
	}
	return sb.String()
}
