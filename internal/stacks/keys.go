package stacks

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidPrivateKey = errors.New("stacks: invalid private key")

// compressedKeySuffix marks a private key whose public key is serialized compressed.
const compressedKeySuffix = 0x01

func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("stacks: generate key: %w", err)
	}
	return key, nil
}

// GenerateKeys returns n fresh secp256k1 keys.
func GenerateKeys(n int) ([]*ecdsa.PrivateKey, error) {
	out := make([]*ecdsa.PrivateKey, 0, n)
	for i := 0; i < n; i++ {
		k, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// PrivateKeyHex encodes key the way stacks-node and the signer expect it:
// 32 bytes followed by the compressed-pubkey flag.
func PrivateKeyHex(key *ecdsa.PrivateKey) string {
	b := crypto.FromECDSA(key)
	return hex.EncodeToString(append(b, compressedKeySuffix))
}

// ParsePrivateKeyHex accepts a 32-byte key or a 33-byte key with the
// compression flag. The returned error never includes key material.
func ParsePrivateKeyHex(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidPrivateKey)
	}
	switch {
	case len(b) == 33 && b[32] == compressedKeySuffix:
		b = b[:32]
	case len(b) == 32:
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidPrivateKey, len(b))
	}
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("%w: out of range", ErrInvalidPrivateKey)
	}
	return key, nil
}

// PublicKeyHex is the compressed SEC1 encoding of pub.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return hex.EncodeToString(crypto.CompressPubkey(pub))
}

func ParsePublicKeyHex(s string) (*ecdsa.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("stacks: invalid public key hex: %w", err)
	}
	return ParsePublicKey(b)
}

// ParsePublicKey accepts compressed (33 byte) and uncompressed (65 byte) keys.
func ParsePublicKey(b []byte) (*ecdsa.PublicKey, error) {
	switch len(b) {
	case 33:
		pub, err := crypto.DecompressPubkey(b)
		if err != nil {
			return nil, fmt.Errorf("stacks: invalid compressed public key: %w", err)
		}
		return pub, nil
	case 65:
		pub, err := crypto.UnmarshalPubkey(b)
		if err != nil {
			return nil, fmt.Errorf("stacks: invalid public key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("stacks: invalid public key length %d", len(b))
	}
}
