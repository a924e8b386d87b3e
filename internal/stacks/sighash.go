package stacks

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSighash = errors.New("stacks: invalid sighash")

// Sighash is the signer signature hash of a block proposal (SHA-512/256). It
// correlates a proposal with its confirmation or rejection across feeds.
type Sighash [32]byte

func BlockSighash(payload []byte) Sighash {
	return Sighash(sha512.Sum512_256(payload))
}

// String is the bare lowercase hex form used by proposal responses.
func (h Sighash) String() string {
	return hex.EncodeToString(h[:])
}

// Hex is the 0x-prefixed form used in block events.
func (h Sighash) Hex() string {
	return "0x" + h.String()
}

func (h Sighash) IsZero() bool {
	return h == Sighash{}
}

func ParseSighash(s string) (Sighash, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 64 {
		return Sighash{}, fmt.Errorf("%w: expected 64 hex chars, got %d", ErrInvalidSighash, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Sighash{}, fmt.Errorf("%w: %v", ErrInvalidSighash, err)
	}
	var out Sighash
	copy(out[:], b)
	return out, nil
}

func (h Sighash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Sighash) UnmarshalText(b []byte) error {
	parsed, err := ParseSighash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
