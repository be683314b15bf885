package circuit

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/nyxtor/tor-core/pkg/cell"
	"github.com/nyxtor/tor-core/pkg/directory"
	"github.com/nyxtor/tor-core/pkg/logger"
)

// ntor protocol strings, duplicated from pkg/crypto/ntor.go (tor-spec.txt
// section 5.1.4) so this test can act as an independent relay without
// importing unexported package internals.
const (
	testNtorProtoID = "ntor-curve25519-sha256-1"
	testNtorTKey    = testNtorProtoID + ":key_extract"
	testNtorTVerify = testNtorProtoID + ":verify"
	testNtorTMac    = testNtorProtoID + ":mac"
	testNtorMExpand = testNtorProtoID + ":key_expand"
	testNtorServer  = "Server"
)

// fakeRelay simulates the server side of an ntor handshake well enough to
// answer a CREATE2/EXTEND2 sent by this package's Extension.
type fakeRelay struct {
	nodeID [20]byte
	b      [32]byte // public ntor onion key
	priv   [32]byte // private half of b
}

func newFakeRelay(t *testing.T, idByte byte) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	for i := range r.nodeID {
		r.nodeID[i] = idByte
	}
	if _, err := rand.Read(r.priv[:]); err != nil {
		t.Fatal(err)
	}
	curve25519.ScalarBaseMult(&r.b, &r.priv)
	return r
}

// respond computes a CREATED2/EXTENDED2 HDATA blob (SERVER_PK || AUTH) for
// the given client handshake payload (NODE_ID || KEYID || CLIENT_PK).
func (r *fakeRelay) respond(t *testing.T, clientData []byte) []byte {
	t.Helper()
	var clientX [32]byte
	copy(clientX[:], clientData[52:84])

	var serverYPriv, serverY [32]byte
	if _, err := rand.Read(serverYPriv[:]); err != nil {
		t.Fatal(err)
	}
	curve25519.ScalarBaseMult(&serverY, &serverYPriv)

	var expXY, expXB [32]byte
	curve25519.ScalarMult(&expXY, &serverYPriv, &clientX)
	curve25519.ScalarMult(&expXB, &r.priv, &clientX)

	secretInput := make([]byte, 0, 32+32+20+32+32+32+len(testNtorProtoID))
	secretInput = append(secretInput, expXY[:]...)
	secretInput = append(secretInput, expXB[:]...)
	secretInput = append(secretInput, r.nodeID[:]...)
	secretInput = append(secretInput, r.b[:]...)
	secretInput = append(secretInput, clientX[:]...)
	secretInput = append(secretInput, serverY[:]...)
	secretInput = append(secretInput, testNtorProtoID...)

	verifyMAC := hmac.New(sha256.New, []byte(testNtorTVerify))
	verifyMAC.Write(secretInput)
	verify := verifyMAC.Sum(nil)

	authInput := make([]byte, 0, len(verify)+20+32+32+32+len(testNtorProtoID)+len(testNtorServer))
	authInput = append(authInput, verify...)
	authInput = append(authInput, r.nodeID[:]...)
	authInput = append(authInput, r.b[:]...)
	authInput = append(authInput, serverY[:]...)
	authInput = append(authInput, clientX[:]...)
	authInput = append(authInput, testNtorProtoID...)
	authInput = append(authInput, testNtorServer...)

	authMAC := hmac.New(sha256.New, []byte(testNtorTMac))
	authMAC.Write(authInput)
	auth := authMAC.Sum(nil)

	resp := make([]byte, 64)
	copy(resp[0:32], serverY[:])
	copy(resp[32:64], auth)
	return resp
}

func testRelayDescriptor(relay *fakeRelay, nickname, address string, port uint16) *directory.Relay {
	d := &directory.Relay{
		Nickname:     nickname,
		Address:      address,
		ORPort:       port,
		HasNtorKey:   true,
		Identity:     relay.nodeID,
		NtorOnionKey: relay.b,
	}
	return d
}

// fakeConn is a cellConn test double that plays the server side of a single
// CREATE2/CREATED2 or EXTEND2/EXTENDED2 exchange.
type fakeConn struct {
	sent     []*cell.Cell
	response *cell.Cell
	sendErr  error
	recvErr  error
}

func (f *fakeConn) SendCell(c *cell.Cell) error {
	f.sent = append(f.sent, c)
	return f.sendErr
}

func (f *fakeConn) ReceiveCell() (*cell.Cell, error) {
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	return f.response, nil
}

func TestNewExtension(t *testing.T) {
	circuit := NewCircuit(1)
	ext := NewExtension(circuit, logger.NewDefault())
	if ext == nil {
		t.Fatal("expected extension to be created")
	}
	if ext.circuit.ID != 1 {
		t.Errorf("circuit ID = %d, want 1", ext.circuit.ID)
	}
}

func TestCreateFirstHop(t *testing.T) {
	circuit := NewCircuit(1)
	relayKeys := newFakeRelay(t, 0xAA)
	relay := testRelayDescriptor(relayKeys, "Guard", "192.0.2.1", 9001)

	conn := &fakeConn{}
	ext := NewExtension(circuit, logger.NewDefault())

	// respondingConn computes the CREATED2 reply after observing the CREATE2
	// payload, acting as a minimal stand-in for a live relay.
	adapter := &respondingConn{fakeConn: conn, relay: relayKeys, t: t}
	circuit.SetConnection(adapter)
	if err := ext.CreateFirstHop(context.Background(), relay); err != nil {
		t.Fatalf("CreateFirstHop() error = %v", err)
	}

	if circuit.Length() != 1 {
		t.Fatalf("circuit length = %d, want 1", circuit.Length())
	}
	hop := circuit.Hops[0]
	if !hop.IsGuard || hop.IsExit {
		t.Errorf("first hop flags = guard:%v exit:%v, want guard:true exit:false", hop.IsGuard, hop.IsExit)
	}
	if hop.ForwardCipher == nil || hop.BackwardCipher == nil || hop.ForwardDigest == nil || hop.BackwardDigest == nil {
		t.Error("hop crypto state not fully initialized")
	}
}

// respondingConn computes a real CREATED2 reply from the CREATE2 handshake
// payload last sent, so CreateFirstHop can be exercised end-to-end without a
// live relay. EXTEND2 (sent as RELAY_EARLY) is not answered.
type respondingConn struct {
	*fakeConn
	relay *fakeRelay
	t     *testing.T
	hops  int
}

func (r *respondingConn) SendCell(c *cell.Cell) error {
	r.sent = append(r.sent, c)

	switch c.Command {
	case cell.CmdCreate2:
		clientData := parseClientData(r.t, c.Payload)
		hdata := r.relay.respond(r.t, clientData)
		r.response = &cell.Cell{CircID: c.CircID, Command: cell.CmdCreated2, Payload: encodeHandshakeResponse(hdata)}
	case cell.CmdRelayEarly:
		// The caller encrypts and sends an EXTEND2 relay cell as
		// RELAY_EARLY; this test double only supports the first-hop
		// CREATE2 path, so EXTEND2 is left unhandled here.
	}
	return nil
}

func parseClientData(t *testing.T, payload []byte) []byte {
	t.Helper()
	hlen := int(payload[2])<<8 | int(payload[3])
	return payload[4 : 4+hlen]
}

func encodeHandshakeResponse(hdata []byte) []byte {
	out := make([]byte, 2+len(hdata))
	out[0] = byte(len(hdata) >> 8)
	out[1] = byte(len(hdata))
	copy(out[2:], hdata)
	return out
}

func TestCreateFirstHopNoConnection(t *testing.T) {
	circuit := NewCircuit(1)
	ext := NewExtension(circuit, logger.NewDefault())
	relayKeys := newFakeRelay(t, 0xAA)
	relay := testRelayDescriptor(relayKeys, "Guard", "192.0.2.1", 9001)

	if err := ext.CreateFirstHop(context.Background(), relay); err == nil {
		t.Error("expected error with no connection set")
	}
}

func TestCreateFirstHopNoNtorKey(t *testing.T) {
	circuit := NewCircuit(1)
	circuit.SetConnection(&fakeConn{})
	ext := NewExtension(circuit, logger.NewDefault())
	relay := &directory.Relay{Nickname: "NoKey", HasNtorKey: false}

	if err := ext.CreateFirstHop(context.Background(), relay); err == nil {
		t.Error("expected error for relay without ntor key")
	}
}

func TestCreateFirstHopDestroy(t *testing.T) {
	circuit := NewCircuit(1)
	conn := &fakeConn{response: &cell.Cell{CircID: 1, Command: cell.CmdDestroy, Payload: []byte{0}}}
	circuit.SetConnection(conn)
	ext := NewExtension(circuit, logger.NewDefault())
	relayKeys := newFakeRelay(t, 0xBB)
	relay := testRelayDescriptor(relayKeys, "Guard", "192.0.2.1", 9001)

	if err := ext.CreateFirstHop(context.Background(), relay); err == nil {
		t.Error("expected error when relay sends DESTROY")
	}
}

func TestExtendCircuitRequiresExistingHop(t *testing.T) {
	circuit := NewCircuit(1)
	circuit.SetConnection(&fakeConn{})
	ext := NewExtension(circuit, logger.NewDefault())
	relayKeys := newFakeRelay(t, 0xCC)
	relay := testRelayDescriptor(relayKeys, "Middle", "192.0.2.2", 9001)

	if err := ext.ExtendCircuit(context.Background(), relay); err == nil {
		t.Error("expected error extending a circuit with no hops")
	}
}

func TestBuildExtend2Data(t *testing.T) {
	relayKeys := newFakeRelay(t, 0xDD)
	relay := testRelayDescriptor(relayKeys, "Exit", "192.0.2.3", 9001)

	clientData := make([]byte, 84)
	data, err := buildExtend2Data(relay, clientData)
	if err != nil {
		t.Fatalf("buildExtend2Data() error = %v", err)
	}
	if data[0] != 2 {
		t.Errorf("NSPEC = %d, want 2", data[0])
	}
}

func TestBuildExtend2DataInvalidAddress(t *testing.T) {
	relayKeys := newFakeRelay(t, 0xEE)
	relay := testRelayDescriptor(relayKeys, "Bad", "not-an-ip", 9001)

	if _, err := buildExtend2Data(relay, make([]byte, 84)); err == nil {
		t.Error("expected error for non-IPv4 address")
	}
}

func TestHandshakeTypeConstant(t *testing.T) {
	if HandshakeTypeNTor != 0x0002 {
		t.Errorf("HandshakeTypeNTor = 0x%04x, want 0x0002", HandshakeTypeNTor)
	}
}
