package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ntor protocol constants from tor-spec.txt section 5.1.4 (Proposal 216).
const (
	ntorProtoID   = "ntor-curve25519-sha256-1"
	ntorTKey      = ntorProtoID + ":key_extract"
	ntorTVerify   = ntorProtoID + ":verify"
	ntorTMac      = ntorProtoID + ":mac"
	ntorMExpand   = ntorProtoID + ":key_expand"
	ntorServerStr = "Server"

	// NtorKeyMaterialLen is the number of bytes expanded from KEY_SEED:
	// forward digest seed (20) || backward digest seed (20) ||
	// forward cipher key (16) || backward cipher key (16).
	NtorKeyMaterialLen = 72

	// NtorHandshakeLen is the length of the client's CREATE2/EXTEND2
	// handshake payload: NODEID(20) || KEYID(32) || CLIENT_PK(32).
	NtorHandshakeLen = 84

	// NtorResponseLen is the length of the server's CREATED2/EXTENDED2
	// handshake payload: SERVER_PK(32) || AUTH(32).
	NtorResponseLen = 64
)

// NtorKeyPair is a Curve25519 key pair used as the client's ephemeral key
// in an ntor handshake.
type NtorKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateNtorKeyPair generates a new ephemeral Curve25519 key pair.
func GenerateNtorKeyPair() (*NtorKeyPair, error) {
	kp := &NtorKeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("ntor: generate ephemeral key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// NtorKeyMaterial holds the 72 bytes of key material expanded from an ntor
// handshake's KEY_SEED, split per tor-spec.txt section 5.2.2.
type NtorKeyMaterial struct {
	ForwardDigestSeed  [20]byte
	BackwardDigestSeed [20]byte
	ForwardKey         [16]byte
	BackwardKey        [16]byte
}

// Zero scrubs the key material in place. CircuitKeys must never be
// observable after drop.
func (k *NtorKeyMaterial) Zero() {
	for i := range k.ForwardDigestSeed {
		k.ForwardDigestSeed[i] = 0
	}
	for i := range k.BackwardDigestSeed {
		k.BackwardDigestSeed[i] = 0
	}
	for i := range k.ForwardKey {
		k.ForwardKey[i] = 0
	}
	for i := range k.BackwardKey {
		k.BackwardKey[i] = 0
	}
}

// NtorClientHandshake is the client side of an in-progress ntor handshake.
// It owns the ephemeral private key between sending CREATE2/EXTEND2 and
// receiving the matching CREATED2/EXTENDED2, and must be zeroed once the
// handshake completes (successfully or not).
type NtorClientHandshake struct {
	nodeID  [20]byte // relay identity fingerprint
	relayB  [32]byte // relay's ntor onion key
	x       [32]byte // ephemeral private key
	clientX [32]byte // ephemeral public key
}

// NewNtorClientHandshake starts a client-side ntor handshake against a
// relay identified by nodeID (20-byte fingerprint) with ntor onion key b.
func NewNtorClientHandshake(nodeID, ntorOnionKey []byte) (*NtorClientHandshake, error) {
	if len(nodeID) != 20 {
		return nil, fmt.Errorf("ntor: invalid node id length: %d", len(nodeID))
	}
	if len(ntorOnionKey) != 32 {
		return nil, fmt.Errorf("ntor: invalid onion key length: %d", len(ntorOnionKey))
	}

	ephemeral, err := GenerateNtorKeyPair()
	if err != nil {
		return nil, err
	}

	hs := &NtorClientHandshake{x: ephemeral.Private, clientX: ephemeral.Public}
	copy(hs.nodeID[:], nodeID)
	copy(hs.relayB[:], ntorOnionKey)
	return hs, nil
}

// Zero scrubs the ephemeral private key. Safe to call more than once.
func (hs *NtorClientHandshake) Zero() {
	for i := range hs.x {
		hs.x[i] = 0
	}
}

// ClientData returns the CREATE2/EXTEND2 handshake payload:
// NODE_ID(20) || KEYID(32) || CLIENT_PK(32).
func (hs *NtorClientHandshake) ClientData() []byte {
	data := make([]byte, NtorHandshakeLen)
	copy(data[0:20], hs.nodeID[:])
	copy(data[20:52], hs.relayB[:])
	copy(data[52:84], hs.clientX[:])
	return data
}

var ntorAllZero32 [32]byte

// Complete processes the server's CREATED2/EXTENDED2 payload
// (SERVER_PK(32) || AUTH(32)) and returns the expanded key material, per
// tor-spec.txt section 5.1.4. It returns an error on any cryptographic
// failure, including a zero (degenerate) DH output and an AUTH mismatch;
// either is treated as HandshakeReject by the caller.
func (hs *NtorClientHandshake) Complete(response []byte) (*NtorKeyMaterial, error) {
	if len(response) != NtorResponseLen {
		return nil, fmt.Errorf("ntor: invalid response length: %d, want %d", len(response), NtorResponseLen)
	}

	var serverY, auth [32]byte
	copy(serverY[:], response[0:32])
	copy(auth[:], response[32:64])

	var expXY, expXB [32]byte
	curve25519.ScalarMult(&expXY, &hs.x, &serverY)
	curve25519.ScalarMult(&expXB, &hs.x, &hs.relayB)

	if subtle.ConstantTimeCompare(expXY[:], ntorAllZero32[:]) == 1 ||
		subtle.ConstantTimeCompare(expXB[:], ntorAllZero32[:]) == 1 {
		return nil, fmt.Errorf("ntor: degenerate diffie-hellman output")
	}

	// secret_input = EXP(Y,x) || EXP(B,x) || NODE_ID || B || X || Y || PROTOID
	secretInput := make([]byte, 0, 32+32+20+32+32+32+len(ntorProtoID))
	secretInput = append(secretInput, expXY[:]...)
	secretInput = append(secretInput, expXB[:]...)
	secretInput = append(secretInput, hs.nodeID[:]...)
	secretInput = append(secretInput, hs.relayB[:]...)
	secretInput = append(secretInput, hs.clientX[:]...)
	secretInput = append(secretInput, serverY[:]...)
	secretInput = append(secretInput, ntorProtoID...)

	verify := ntorHMAC(secretInput, ntorTVerify)

	// auth_input = verify || NODE_ID || B || Y || X || PROTOID || "Server"
	authInput := make([]byte, 0, len(verify)+20+32+32+32+len(ntorProtoID)+len(ntorServerStr))
	authInput = append(authInput, verify...)
	authInput = append(authInput, hs.nodeID[:]...)
	authInput = append(authInput, hs.relayB[:]...)
	authInput = append(authInput, serverY[:]...)
	authInput = append(authInput, hs.clientX[:]...)
	authInput = append(authInput, ntorProtoID...)
	authInput = append(authInput, ntorServerStr...)

	expectedAuth := ntorHMAC(authInput, ntorTMac)
	if !hmac.Equal(expectedAuth, auth[:]) {
		return nil, fmt.Errorf("ntor: auth mac verification failed")
	}

	km, err := expandNtorKeyMaterial(secretInput)
	if err != nil {
		return nil, err
	}
	return km, nil
}

// ntorHMAC computes HMAC-SHA256(key=key, message=msg), as tor-spec.txt's
// H_MAC(msg, key) notation requires for the ntor verify/mac steps. This is
// deliberately HMAC, not a raw HKDF-expand read — using HKDF-expand output
// directly as the MAC does not implement the protocol tor-spec describes.
func ntorHMAC(msg []byte, key string) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(msg)
	return mac.Sum(nil)
}

func expandNtorKeyMaterial(secretInput []byte) (*NtorKeyMaterial, error) {
	kdf := hkdf.New(sha256.New, secretInput, []byte(ntorTKey), []byte(ntorMExpand))
	buf := make([]byte, NtorKeyMaterialLen)
	if _, err := io.ReadFull(kdf, buf); err != nil {
		return nil, fmt.Errorf("ntor: key expansion: %w", err)
	}

	km := &NtorKeyMaterial{}
	copy(km.ForwardDigestSeed[:], buf[0:20])
	copy(km.BackwardDigestSeed[:], buf[20:40])
	copy(km.ForwardKey[:], buf[40:56])
	copy(km.BackwardKey[:], buf[56:72])
	return km, nil
}
