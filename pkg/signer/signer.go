// Package signer owns identity key material and every signature the
// dispatcher produces: challenge-based marketplace login, job acceptance
// messages, and attestation payloads. Keys never leave this package as raw
// bytes beyond what's needed to construct a Signer.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for Bitcoin/Verus-style address hashing

	"github.com/autobb888/vap-dispatcher/pkg/types"
)

// Signer holds one identity's decoded private key and can produce the two
// signed message formats the marketplace accepts: free-form pipe-delimited
// strings (challenge responses, VAP-ACCEPT/VAP-DELIVER) and canonical-JSON
// attestation payloads.
type Signer struct {
	Identity *types.Identity
	priv     *btcec.PrivateKey
}

// New decodes identity.WIF and returns a Signer bound to it.
func New(identity *types.Identity) (*Signer, error) {
	priv, err := decodeWIF(identity.WIF)
	if err != nil {
		return nil, fmt.Errorf("decode WIF for %s: %w", identity.AgentID, err)
	}
	return &Signer{Identity: identity, priv: priv}, nil
}

// decodeWIF base58check-decodes a Wallet Import Format private key. The
// version byte is not validated against a specific network's chaincfg
// params: VerusID identities span several Verus-family networks with
// distinct version bytes, and the dispatcher trusts the key that was
// provisioned into AGENTS_DIR rather than re-deriving which network it
// belongs to.
func decodeWIF(wif string) (*btcec.PrivateKey, error) {
	decoded, _, err := base58.CheckDecode(wif)
	if err != nil {
		return nil, fmt.Errorf("base58check decode: %w", err)
	}
	// Compressed WIF payloads carry a trailing 0x01 suffix after the 32 raw
	// key bytes; strip it if present.
	switch len(decoded) {
	case 33:
		if decoded[32] != 0x01 {
			return nil, fmt.Errorf("unexpected WIF compression suffix")
		}
		decoded = decoded[:32]
	case 32:
		// uncompressed key, nothing to strip
	default:
		return nil, fmt.Errorf("unexpected WIF payload length %d", len(decoded))
	}
	priv, _ := btcec.PrivKeyFromBytes(decoded)
	return priv, nil
}

// Address derives the base58check address for this signer's public key.
func (s *Signer) Address() string {
	return AddressFromPubKey(s.priv.PubKey())
}

// SignMessage signs an arbitrary message string and returns a hex-encoded
// recoverable signature (Bitcoin "signmessage" compatible).
func (s *Signer) SignMessage(message string) (string, error) {
	hash := messageHash(message)
	sig, err := btcecdsa.SignCompact(s.priv, hash[:], true)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyMessage checks that sigHex is a valid signature of message by the
// given address. It recovers the public key from the signature and derives
// the expected address the same way the identity layer does; a verifier
// without the original signer's Identity can still check a signature this
// way given only the address string.
func VerifyMessage(message, sigHex, expectedAddress string) (bool, error) {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("decode signature hex: %w", err)
	}
	hash := messageHash(message)
	pub, _, err := btcecdsa.RecoverCompact(sigBytes, hash[:])
	if err != nil {
		return false, fmt.Errorf("recover public key: %w", err)
	}
	return AddressFromPubKey(pub) == expectedAddress, nil
}

// messageHash matches the Bitcoin/Verus "signmessage" convention: a
// magic-prefixed, length-prefixed, double SHA-256 hash of the message.
func messageHash(message string) [32]byte {
	const magic = "Verus signed message:\n"
	buf := make([]byte, 0, len(magic)+len(message)+2)
	buf = append(buf, byte(len(magic)))
	buf = append(buf, magic...)
	buf = append(buf, byte(len(message)))
	buf = append(buf, message...)
	first := sha256.Sum256(buf)
	return sha256.Sum256(first[:])
}

// AddressFromPubKey derives a base58check P2PKH-style address from a
// recovered public key. This dispatcher never needs to mint new addresses
// (identities are provisioned externally); this exists so Address,
// VerifyMessage and VerifyPayload can compare a key against the address
// on file.
func AddressFromPubKey(pub *btcec.PublicKey) string {
	pubBytes := pub.SerializeCompressed()
	h := sha256.Sum256(pubBytes)
	ripe := ripemd160.New()
	ripe.Write(h[:])
	r := ripe.Sum(nil)
	return base58.CheckEncode(r, 0x3c) // Verus mainnet P2PKH version byte
}

// CanonicalJSON marshals v deterministically with the "signature" field
// absent, matching the attestation signing contract in spec §3/§4.5: sign
// the payload with signature absent, then embed the resulting signature.
// Go's encoding/json already emits map[string]interface{} keys in sorted
// order, which is what makes this deterministic across processes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal payload to map: %w", err)
	}
	delete(m, "signature")
	// json.Marshal on map[string]interface{} sorts keys alphabetically at
	// every nesting level (nested objects decode to the same map type),
	// which is what makes this deterministic across processes.
	return json.Marshal(m)
}

// SignPayload computes the canonical-JSON SHA-256 digest of v (with
// "signature" absent) and signs it, returning the hex signature to embed.
func (s *Signer) SignPayload(v interface{}) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(canon)
	sig, err := btcecdsa.SignCompact(s.priv, digest[:], true)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyPayload checks that sigHex is a valid SignPayload signature of v
// (with "signature" absent, per CanonicalJSON) by expectedAddress. This is
// the attestation-side counterpart to VerifyMessage: a single SHA-256 of
// the canonical JSON rather than the double-SHA256 signmessage digest,
// matching SignPayload's digest scheme exactly (spec §8: "recomputing
// SHA-256 of payload-without-signature and verifying against the
// signature succeeds").
func VerifyPayload(v interface{}, sigHex, expectedAddress string) (bool, error) {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("decode signature hex: %w", err)
	}
	canon, err := CanonicalJSON(v)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(canon)
	pub, _, err := btcecdsa.RecoverCompact(sigBytes, digest[:])
	if err != nil {
		return false, fmt.Errorf("recover public key: %w", err)
	}
	return AddressFromPubKey(pub) == expectedAddress, nil
}
