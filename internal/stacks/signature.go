package stacks

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrMalformedSignature = errors.New("stacks: malformed signature")

// MessageSignature is a recoverable secp256k1 signature in stacks layout:
// recovery id first, then r and s.
type MessageSignature [65]byte

// SignMessage signs sighash with key.
func SignMessage(key *ecdsa.PrivateKey, sighash Sighash) (MessageSignature, error) {
	rsv, err := crypto.Sign(sighash[:], key)
	if err != nil {
		return MessageSignature{}, fmt.Errorf("stacks: sign: %w", err)
	}
	var out MessageSignature
	out[0] = rsv[64]
	copy(out[1:], rsv[:64])
	return out, nil
}

// RecoverPublicKey returns the key that produced sig over sighash.
func (sig MessageSignature) RecoverPublicKey(sighash Sighash) (*ecdsa.PublicKey, error) {
	rsv := make([]byte, 65)
	copy(rsv, sig[1:])
	rsv[64] = sig[0] & 0x01
	pub, err := crypto.SigToPub(sighash[:], rsv)
	if err != nil {
		return nil, fmt.Errorf("%w: recover: %v", ErrMalformedSignature, err)
	}
	return pub, nil
}

func (sig MessageSignature) String() string {
	return hex.EncodeToString(sig[:])
}

func ParseMessageSignature(s string) (MessageSignature, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return MessageSignature{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(b) != 65 {
		return MessageSignature{}, fmt.Errorf("%w: expected 65 bytes, got %d", ErrMalformedSignature, len(b))
	}
	var out MessageSignature
	copy(out[:], b)
	return out, nil
}

func (sig MessageSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(sig.String())
}

func (sig *MessageSignature) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: expected hex string", ErrMalformedSignature)
	}
	parsed, err := ParseMessageSignature(s)
	if err != nil {
		return err
	}
	*sig = parsed
	return nil
}

// ThresholdSignature is an aggregate Schnorr signature: a curve point R and a
// scalar z.
type ThresholdSignature struct {
	R *ecdsa.PublicKey
	Z *big.Int
}

const thresholdSignatureLen = 33 + 32

// DecodeThresholdSignature reads the consensus encoding: compressed R followed
// by the 32-byte big-endian scalar z.
func DecodeThresholdSignature(b []byte) (ThresholdSignature, error) {
	if len(b) != thresholdSignatureLen {
		return ThresholdSignature{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, thresholdSignatureLen, len(b))
	}
	r, err := crypto.DecompressPubkey(b[:33])
	if err != nil {
		return ThresholdSignature{}, fmt.Errorf("%w: point: %v", ErrMalformedSignature, err)
	}
	z := new(big.Int).SetBytes(b[33:])
	if z.Cmp(crypto.S256().Params().N) >= 0 {
		return ThresholdSignature{}, fmt.Errorf("%w: scalar out of range", ErrMalformedSignature)
	}
	return ThresholdSignature{R: r, Z: z}, nil
}

// DecodeThresholdSignatureHex accepts the 0x-prefixed form found in block events.
func DecodeThresholdSignatureHex(s string) (ThresholdSignature, error) {
	b, err := hexutil.Decode(strings.TrimSpace(s))
	if err != nil {
		return ThresholdSignature{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return DecodeThresholdSignature(b)
}

func (s ThresholdSignature) Encode() []byte {
	out := make([]byte, 0, thresholdSignatureLen)
	out = append(out, crypto.CompressPubkey(s.R)...)
	var z [32]byte
	s.Z.FillBytes(z[:])
	return append(out, z[:]...)
}
