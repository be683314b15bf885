// Package connection provides TLS connection handling for Tor relays.
// This package manages connections to Tor relays and handles cell I/O.
package connection

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nyxtor/tor-core/pkg/cell"
	"github.com/nyxtor/tor-core/pkg/logger"
)

// State represents the connection state
type State int

const (
	// StateConnecting indicates the connection is being established
	StateConnecting State = iota
	// StateHandshaking indicates TLS handshake is in progress
	StateHandshaking
	// StateOpen indicates the connection is ready for use
	StateOpen
	// StateClosed indicates the connection has been closed
	StateClosed
	// StateFailed indicates the connection failed
	StateFailed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Connection represents a TLS connection to a Tor relay
type Connection struct {
	address   string
	conn      net.Conn
	tlsConn   *tls.Conn
	state     State
	stateMu   sync.RWMutex
	closeCh   chan struct{}
	closeOnce sync.Once
	sendMu    sync.Mutex
	recvMu    sync.Mutex
	logger    *logger.Logger
	linkVer   int  // link protocol version used to frame cells
	gotVers   bool // true once the peer's VERSIONS cell has been read
}

// Config holds connection configuration
type Config struct {
	Address             string        // Relay address (IP:port)
	Timeout             time.Duration // Connection timeout
	TLSConfig           *tls.Config   // TLS configuration
	LinkProtocolV4      bool          // Use link protocol v4 (4-byte circuit IDs)
	ExpectedIdentity    []byte        // Expected relay Ed25519 identity key (32 bytes) - for certificate pinning (AUDIT-004)
	ExpectedFingerprint string        // Expected relay fingerprint - for additional validation (AUDIT-004)
}

// DefaultConfig returns a connection config with sensible defaults
func DefaultConfig(address string) *Config {
	return &Config{
		Address:             address,
		Timeout:             30 * time.Second,
		TLSConfig:           nil, // Will be created in Connect() with pinning if ExpectedIdentity is set
		LinkProtocolV4:      true,
		ExpectedIdentity:    nil, // No pinning by default
		ExpectedFingerprint: "",  // No fingerprint validation by default
	}
}

// createTorTLSConfig creates a TLS config appropriate for Tor relay connections.
// Tor relays use self-signed certificates, but we validate them according to tor-spec.txt section 2:
// - Certificate must be valid X.509
// - We accept self-signed certificates (Tor relays don't use CA-signed certs)
// - We verify the certificate signature is valid
// - Additional validation happens via directory consensus (relay identity keys)
func createTorTLSConfig() *tls.Config {
	return &tls.Config{
		// Tor relays use self-signed certificates, so we can't verify against root CAs
		// However, we still want to verify the certificate is well-formed and properly signed
		InsecureSkipVerify: true, // #nosec G402 - the chain is checked by verifyTorRelayCertificate
		// Custom verification function for Tor-specific certificate handling
		VerifyPeerCertificate: verifyTorRelayCertificate,
		// Require TLS 1.2 minimum for security
		MinVersion: tls.VersionTLS12,
		// Use only AEAD cipher suites with forward secrecy (no CBC mode)
		// Removes CBC-mode ciphers vulnerable to padding oracle attacks (Lucky13, POODLE)
		// Removes non-ECDHE ciphers without perfect forward secrecy
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// createTorTLSConfigWithPinning creates a TLS config that also runs
// verifyRelayIdentityPinning on the peer certificate (AUDIT-004). That check
// does not compare the certificate against the expected identity.
func createTorTLSConfigWithPinning(expectedIdentity []byte, expectedFingerprint string) *tls.Config {
	cfg := createTorTLSConfig()

	// Override verification to include identity pinning
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		// First perform standard Tor certificate validation
		if err := verifyTorRelayCertificate(rawCerts, verifiedChains); err != nil {
			return err
		}

		// AUDIT-004: Additional pinning validation
		return verifyRelayIdentityPinning(rawCerts, expectedIdentity, expectedFingerprint)
	}

	return cfg
}

// verifyRelayIdentityPinning is the pinning hook used when an expected identity
// or fingerprint is configured (AUDIT-004). It returns nil when neither is set;
// otherwise it requires a peer certificate and checks that it parses as X.509.
// It does not compare the certificate's key against expectedIdentity or
// expectedFingerprint.
func verifyRelayIdentityPinning(rawCerts [][]byte, expectedIdentity []byte, expectedFingerprint string) error {
	if len(expectedIdentity) == 0 && expectedFingerprint == "" {
		// No pinning configured - skip validation
		return nil
	}

	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificates provided for pinning verification")
	}

	_, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate for pinning: %w", err)
	}

	// AUDIT-004: this is defense in depth only. Tor relays use self-signed
	// TLS certs with no PKI to pin against, so the real identity check is
	// the CERTS cell Ed25519 chain verified post-TLS by pkg/protocol (via
	// pkg/link), which binds cert5 to this exact certificate's SHA-256
	// hash and, when a type-2 X.509 identity cert is present, recovers the
	// relay's RSA fingerprint for comparison against the consensus. This
	// function only confirms the presented certificate is well-formed.
	return nil
}

// verifyTorRelayCertificate verifies a Tor relay's TLS certificate.
// Tor relays use self-signed certificates, so this function performs Tor-specific validation:
// 1. Verify the certificate is a valid X.509 certificate
// 2. Verify the certificate signature (self-signed is acceptable)
// 3. Check that the certificate is not expired
// 4. Verify the certificate has required key usage
//
// Note: Full identity verification happens through the Tor directory consensus,
// which maps relay fingerprints to their identity keys. This function only validates
// the certificate's structural integrity.
func verifyTorRelayCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("no certificates provided")
	}

	// Parse the certificate
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	// Check certificate is not expired
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate not yet valid")
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate has expired")
	}

	// For self-signed certificates, verify the signature against itself
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return fmt.Errorf("invalid certificate signature: %w", err)
	}

	// Verify the certificate has appropriate key usage
	// Tor relay certificates should support key encipherment and digital signature
	if cert.KeyUsage&x509.KeyUsageKeyEncipherment == 0 &&
		cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return fmt.Errorf("certificate has invalid key usage")
	}

	// Certificate is structurally valid
	// Note: Relay identity verification happens via directory consensus validation
	return nil
}

// New creates a new connection to a Tor relay
func New(cfg *Config, log *logger.Logger) *Connection {
	if log == nil {
		log = logger.NewDefault()
	}

	linkVer := 3
	if cfg.LinkProtocolV4 {
		linkVer = 4
	}

	return &Connection{
		address: cfg.Address,
		linkVer: linkVer,
		state:   StateConnecting,
		closeCh: make(chan struct{}),
		logger:  log.With("address", cfg.Address),
	}
}

// Connect establishes a TLS connection to the relay
func (c *Connection) Connect(ctx context.Context, cfg *Config) error {
	c.logger.Debug("Connecting to relay")

	// Create dialer with timeout
	dialer := &net.Dialer{
		Timeout: cfg.Timeout,
	}

	// Establish TCP connection
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn

	// Upgrade to TLS
	c.setState(StateHandshaking)
	c.logger.Debug("Starting TLS handshake")

	// AUDIT-004: Use pinned TLS config if identity is provided
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		// Create default config, with pinning if identity is set
		if len(cfg.ExpectedIdentity) > 0 || cfg.ExpectedFingerprint != "" {
			c.logger.Debug("Using TLS config with certificate pinning",
				"has_identity", len(cfg.ExpectedIdentity) > 0,
				"has_fingerprint", cfg.ExpectedFingerprint != "")
			tlsConfig = createTorTLSConfigWithPinning(cfg.ExpectedIdentity, cfg.ExpectedFingerprint)
		} else {
			tlsConfig = createTorTLSConfig()
		}
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		c.setState(StateFailed)
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.tlsConn = tlsConn

	c.setState(StateOpen)
	c.logger.Info("Connection established")

	return nil
}

// SendCell sends a cell over the connection
func (c *Connection) SendCell(cell *cell.Cell) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.getState() != StateOpen {
		return fmt.Errorf("connection not open: %s", c.getState())
	}

	select {
	case <-c.closeCh:
		return fmt.Errorf("connection closed")
	default:
	}

	if err := cell.Encode(c.tlsConn, c.linkVer); err != nil {
		c.logger.Error("Failed to send cell", "error", err, "command", cell.Command)
		return fmt.Errorf("failed to send cell: %w", err)
	}

	c.logger.Debug("Sent cell", "command", cell.Command, "circuit_id", cell.CircID)
	return nil
}

// ReceiveCell receives a cell from the connection
func (c *Connection) ReceiveCell() (*cell.Cell, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.getState() != StateOpen {
		return nil, fmt.Errorf("connection not open: %s", c.getState())
	}

	select {
	case <-c.closeCh:
		return nil, fmt.Errorf("connection closed")
	default:
	}

	// The peer's VERSIONS cell uses 2-byte circuit IDs, so cells are read
	// with link version 3 until it has arrived.
	linkVer := 3
	if c.gotVers {
		linkVer = c.linkVer
	}
	receivedCell, err := cell.DecodeCell(c.tlsConn, linkVer)
	if err != nil {
		if err == io.EOF {
			c.logger.Info("Connection closed by remote")
			c.Close()
			return nil, err
		}
		c.logger.Error("Failed to receive cell", "error", err)
		return nil, fmt.Errorf("failed to receive cell: %w", err)
	}

	if receivedCell.Command == cell.CmdVersions {
		c.gotVers = true
	}

	c.logger.Debug("Received cell", "command", receivedCell.Command, "circuit_id", receivedCell.CircID)
	return receivedCell, nil
}

// Close closes the connection gracefully
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.setState(StateClosed)

		if c.tlsConn != nil {
			if closeErr := c.tlsConn.Close(); closeErr != nil {
				err = fmt.Errorf("failed to close TLS connection: %w", closeErr)
			}
		} else if c.conn != nil {
			if closeErr := c.conn.Close(); closeErr != nil {
				err = fmt.Errorf("failed to close connection: %w", closeErr)
			}
		}

		c.logger.Info("Connection closed")
	})
	return err
}

// IsOpen returns true if the connection is open
func (c *Connection) IsOpen() bool {
	return c.getState() == StateOpen
}

// PeerCertificateSHA256 returns the SHA-256 digest of the peer's leaf TLS
// certificate (DER encoding), for binding a CERTS cell's cert5 to the live
// TLS session per tor-spec.txt section 4.2.
func (c *Connection) PeerCertificateSHA256() ([32]byte, error) {
	if c.tlsConn == nil {
		return [32]byte{}, fmt.Errorf("connection has no TLS session")
	}
	certs := c.tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return [32]byte{}, fmt.Errorf("peer presented no certificates")
	}
	return sha256.Sum256(certs[0].Raw), nil
}

// Address returns the relay address
func (c *Connection) Address() string {
	return c.address
}

// setState sets the connection state
func (c *Connection) setState(state State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

// getState returns the current connection state
func (c *Connection) getState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// GetState returns the current connection state (exported)
func (c *Connection) GetState() State {
	return c.getState()
}
