// Package circuit provides circuit extension functionality for the Tor protocol.
package circuit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" // #nosec G505 - SHA-1 running digest required by tor-spec.txt section 6.1
	"encoding/binary"
	"fmt"
	"net"

	"github.com/nyxtor/tor-core/pkg/cell"
	"github.com/nyxtor/tor-core/pkg/crypto"
	"github.com/nyxtor/tor-core/pkg/directory"
	"github.com/nyxtor/tor-core/pkg/logger"
)

// HandshakeType identifies the CREATE2/EXTEND2 handshake variant. ntor
// (Proposal 216) is the only handshake this client speaks; the legacy TAP
// handshake was retired by the Tor network years ago and relays no longer
// need it offered.
type HandshakeType uint16

// HandshakeTypeNTor is the only handshake type this client uses.
const HandshakeTypeNTor HandshakeType = 0x0002

// Link specifier type constants for EXTEND2 cells (tor-spec.txt section 5.1.2).
const (
	LinkSpecIPv4    = 0x00
	LinkSpecIPv6    = 0x01
	LinkSpecRSAID   = 0x02
	LinkSpecEd25519 = 0x03
)

// CellConn is the cell-level connection a circuit needs to reach its first
// hop: sending CREATE2 and RELAY_EARLY/RELAY cells, and receiving
// CREATED2/RELAY/DESTROY cells in return. Any transport the host wires in
// via Circuit.SetConnection, or provides to a Dialer, need only satisfy
// this shape.
type CellConn interface {
	SendCell(*cell.Cell) error
	ReceiveCell() (*cell.Cell, error)
}

// Extension drives the ntor handshakes that create and extend a circuit,
// one hop at a time, per tor-spec.txt sections 5.1 and 5.3.
type Extension struct {
	circuit *Circuit
	logger  *logger.Logger
}

// NewExtension creates a circuit extension handler bound to circuit.
func NewExtension(circuit *Circuit, log *logger.Logger) *Extension {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Extension{
		circuit: circuit,
		logger:  log.Component("extension"),
	}
}

// conn returns the circuit's connection as a CellConn, or an error if none
// has been set via Circuit.SetConnection or it does not support cell I/O.
func (e *Extension) conn() (CellConn, error) {
	e.circuit.mu.RLock()
	raw := e.circuit.conn
	e.circuit.mu.RUnlock()

	if raw == nil {
		return nil, fmt.Errorf("circuit has no connection")
	}
	c, ok := raw.(CellConn)
	if !ok {
		return nil, fmt.Errorf("connection does not support cell I/O")
	}
	return c, nil
}

// CreateFirstHop performs a CREATE2/CREATED2 ntor handshake with relay over
// the circuit's connection, establishing the circuit's first hop.
// SetConnection must be called before this.
func (e *Extension) CreateFirstHop(ctx context.Context, relay *directory.Relay) error {
	conn, err := e.conn()
	if err != nil {
		return err
	}
	if !relay.HasNtorKey {
		return fmt.Errorf("relay %s has no ntor onion key", relay.Nickname)
	}

	hs, err := crypto.NewNtorClientHandshake(relay.Identity[:], relay.NtorOnionKey[:])
	if err != nil {
		return fmt.Errorf("ntor handshake init: %w", err)
	}
	defer hs.Zero()

	create2 := &cell.Cell{
		CircID:  e.circuit.ID,
		Command: cell.CmdCreate2,
		Payload: buildHandshakePayload(hs.ClientData()),
	}

	e.logger.Debug("sending CREATE2", "circuit_id", e.circuit.ID, "relay", relay.Nickname)
	if err := conn.SendCell(create2); err != nil {
		return fmt.Errorf("send CREATE2: %w", err)
	}

	resp, err := conn.ReceiveCell()
	if err != nil {
		return fmt.Errorf("receive CREATED2: %w", err)
	}
	if resp.Command == cell.CmdDestroy {
		return fmt.Errorf("relay sent DESTROY instead of CREATED2")
	}
	if resp.Command != cell.CmdCreated2 {
		return fmt.Errorf("expected CREATED2, got command %d", resp.Command)
	}

	serverData, err := parseHandshakeResponse(resp.Payload)
	if err != nil {
		return fmt.Errorf("parse CREATED2: %w", err)
	}

	km, err := hs.Complete(serverData)
	if err != nil {
		return fmt.Errorf("ntor complete: %w", err)
	}
	defer km.Zero()

	hop, err := newHop(relay, true, false, km)
	if err != nil {
		return fmt.Errorf("init first hop: %w", err)
	}
	if err := e.circuit.AddHop(hop); err != nil {
		return err
	}

	e.logger.Info("first hop created", "circuit_id", e.circuit.ID, "relay", relay.Nickname)
	return nil
}

// ExtendCircuit extends the circuit through relay using a RELAY_EARLY
// EXTEND2 cell, onion-routed through the existing hops to the current last
// hop, which forwards a CREATE2 of its own to relay.
func (e *Extension) ExtendCircuit(ctx context.Context, relay *directory.Relay) error {
	conn, err := e.conn()
	if err != nil {
		return err
	}
	if !relay.HasNtorKey {
		return fmt.Errorf("relay %s has no ntor onion key", relay.Nickname)
	}
	if e.circuit.Length() == 0 {
		return fmt.Errorf("cannot extend circuit with no existing hops")
	}

	hs, err := crypto.NewNtorClientHandshake(relay.Identity[:], relay.NtorOnionKey[:])
	if err != nil {
		return fmt.Errorf("ntor handshake init: %w", err)
	}
	defer hs.Zero()

	extend2Data, err := buildExtend2Data(relay, hs.ClientData())
	if err != nil {
		return fmt.Errorf("build EXTEND2: %w", err)
	}

	relayCell := cell.NewRelayCell(0, cell.RelayExtend2, extend2Data)
	e.logger.Debug("sending EXTEND2", "circuit_id", e.circuit.ID, "relay", relay.Nickname)
	if err := e.circuit.SendRelayEarlyCell(relayCell); err != nil {
		return fmt.Errorf("send EXTEND2: %w", err)
	}

	respCell, err := e.receiveExtended2(conn)
	if err != nil {
		return fmt.Errorf("receive EXTENDED2: %w", err)
	}

	serverData, err := parseHandshakeResponse(respCell.Data)
	if err != nil {
		return fmt.Errorf("parse EXTENDED2: %w", err)
	}

	km, err := hs.Complete(serverData)
	if err != nil {
		return fmt.Errorf("ntor complete: %w", err)
	}
	defer km.Zero()

	hop, err := newHop(relay, false, false, km)
	if err != nil {
		return fmt.Errorf("init new hop: %w", err)
	}
	if err := e.circuit.AddHop(hop); err != nil {
		return err
	}

	e.logger.Info("circuit extended", "circuit_id", e.circuit.ID, "relay", relay.Nickname, "hops", e.circuit.Length())
	return nil
}

// receiveExtended2 reads the next cell off conn, onion-decrypts it with the
// circuit's existing hops, and confirms it was recognized by the current
// last hop and carries RELAY_EXTENDED2.
func (e *Extension) receiveExtended2(conn CellConn) (*cell.RelayCell, error) {
	raw, err := conn.ReceiveCell()
	if err != nil {
		return nil, err
	}
	if raw.Command == cell.CmdDestroy {
		return nil, fmt.Errorf("relay sent DESTROY")
	}
	if raw.Command != cell.CmdRelay && raw.Command != cell.CmdRelayEarly {
		return nil, fmt.Errorf("unexpected cell command %d while awaiting EXTENDED2", raw.Command)
	}

	decrypted := e.circuit.decryptBackward(raw.Payload)
	hopIdx, err := e.circuit.verifyRelayCellDigest(decrypted)
	if err != nil {
		return nil, fmt.Errorf("verify relay digest: %w", err)
	}
	if hopIdx != e.circuit.Length()-1 {
		return nil, fmt.Errorf("EXTENDED2 recognized by hop %d, expected last hop %d", hopIdx, e.circuit.Length()-1)
	}

	relayCell, err := cell.DecodeRelayCell(decrypted)
	if err != nil {
		return nil, fmt.Errorf("decode relay cell: %w", err)
	}
	if relayCell.Command != cell.RelayExtended2 {
		return nil, fmt.Errorf("expected RELAY_EXTENDED2, got relay command %d", relayCell.Command)
	}
	return relayCell, nil
}

// buildHandshakePayload wraps clientData in the CREATE2/EXTEND2 HTYPE||HLEN||HDATA framing.
func buildHandshakePayload(clientData []byte) []byte {
	payload := make([]byte, 4+len(clientData))
	binary.BigEndian.PutUint16(payload[0:2], uint16(HandshakeTypeNTor))
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(clientData)))
	copy(payload[4:], clientData)
	return payload
}

// parseHandshakeResponse extracts HDATA from a CREATED2/EXTENDED2 HLEN||HDATA payload.
func parseHandshakeResponse(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("handshake response too short: %d bytes", len(payload))
	}
	hlen := binary.BigEndian.Uint16(payload[0:2])
	if len(payload) < 2+int(hlen) {
		return nil, fmt.Errorf("handshake response truncated: have %d bytes, need %d", len(payload), 2+int(hlen))
	}
	if hlen != crypto.NtorResponseLen {
		return nil, fmt.Errorf("unexpected handshake response length %d, want %d", hlen, crypto.NtorResponseLen)
	}
	return payload[2 : 2+hlen], nil
}

// buildExtend2Data builds an EXTEND2 relay cell body: NSPEC || link
// specifiers || HTYPE || HLEN || HDATA, per tor-spec.txt section 5.1.2.
func buildExtend2Data(relay *directory.Relay, clientData []byte) ([]byte, error) {
	ip := net.ParseIP(relay.Address)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid IPv4 address for relay %s: %q", relay.Nickname, relay.Address)
	}
	ip4 := ip.To4()

	ipSpec := make([]byte, 8) // type(1) + len(1) + ip(4) + port(2)
	ipSpec[0] = LinkSpecIPv4
	ipSpec[1] = 6
	copy(ipSpec[2:6], ip4)
	binary.BigEndian.PutUint16(ipSpec[6:8], relay.ORPort)

	idSpec := make([]byte, 22) // type(1) + len(1) + id(20)
	idSpec[0] = LinkSpecRSAID
	idSpec[1] = 20
	copy(idSpec[2:22], relay.Identity[:])

	specs := [][]byte{ipSpec, idSpec}
	specLen := 0
	for _, s := range specs {
		specLen += len(s)
	}

	data := make([]byte, 0, 1+specLen+4+len(clientData))
	data = append(data, byte(len(specs)))
	for _, s := range specs {
		data = append(data, s...)
	}
	data = append(data, buildHandshakePayload(clientData)...)
	return data, nil
}

// newHop derives a Hop's AES-128-CTR ciphers and SHA-1 running digests from
// ntor key material, per tor-spec.txt sections 5.2.2 and 6.1.
func newHop(relay *directory.Relay, isGuard, isExit bool, km *crypto.NtorKeyMaterial) (*Hop, error) {
	zeroIV := make([]byte, aes.BlockSize)

	fwdBlock, err := aes.NewCipher(km.ForwardKey[:])
	if err != nil {
		return nil, fmt.Errorf("forward cipher: %w", err)
	}
	bwdBlock, err := aes.NewCipher(km.BackwardKey[:])
	if err != nil {
		return nil, fmt.Errorf("backward cipher: %w", err)
	}

	fwdDigest := sha1.New() // #nosec G401
	fwdDigest.Write(km.ForwardDigestSeed[:])
	bwdDigest := sha1.New() // #nosec G401
	bwdDigest.Write(km.BackwardDigestSeed[:])

	hop := NewHop(relay.FingerprintHex(), fmt.Sprintf("%s:%d", relay.Address, relay.ORPort), isGuard, isExit)
	hop.SetCryptoState(
		cipher.NewCTR(fwdBlock, zeroIV),
		cipher.NewCTR(bwdBlock, zeroIV),
		fwdDigest,
		bwdDigest,
	)
	return hop, nil
}
