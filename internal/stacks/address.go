package stacks

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

const (
	AddressVersionMainnetSingleSig byte = 22
	AddressVersionMainnetMultiSig  byte = 20
	AddressVersionTestnetSingleSig byte = 26
	AddressVersionTestnetMultiSig  byte = 21

	c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

var ErrInvalidAddress = errors.New("stacks: invalid address")

// Address is a standard (non-contract) principal.
type Address struct {
	Version byte
	Hash160 [20]byte
}

// AddressFromPublicKey derives the single-sig P2PKH address of pub.
func AddressFromPublicKey(mainnet bool, pub *ecdsa.PublicKey) Address {
	version := AddressVersionTestnetSingleSig
	if mainnet {
		version = AddressVersionMainnetSingleSig
	}
	return Address{Version: version, Hash160: Hash160(crypto.CompressPubkey(pub))}
}

// AddressFromPrivateKey derives the single-sig P2PKH address of key.
func AddressFromPrivateKey(mainnet bool, key *ecdsa.PrivateKey) Address {
	return AddressFromPublicKey(mainnet, &key.PublicKey)
}

func Hash160(b []byte) [20]byte {
	sha := sha256.Sum256(b)
	h := ripemd160.New()
	_, _ = h.Write(sha[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (a Address) IsMainnet() bool {
	return a.Version == AddressVersionMainnetSingleSig || a.Version == AddressVersionMainnetMultiSig
}

// String renders the c32check encoding, e.g. ST000000000000000000002AMW42H.
func (a Address) String() string {
	if int(a.Version) >= len(c32Alphabet) {
		return fmt.Sprintf("<invalid-version-%d>", a.Version)
	}
	sum := addressChecksum(a.Version, a.Hash160[:])
	payload := make([]byte, 0, 24)
	payload = append(payload, a.Hash160[:]...)
	payload = append(payload, sum[:]...)
	return "S" + string(c32Alphabet[a.Version]) + c32Encode(payload)
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes a c32check address and verifies its checksum.
func ParseAddress(s string) (Address, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 3 || s[0] != 'S' {
		return Address{}, fmt.Errorf("%w: missing S prefix", ErrInvalidAddress)
	}
	version := strings.IndexByte(c32Alphabet, s[1])
	if version < 0 {
		return Address{}, fmt.Errorf("%w: bad version character %q", ErrInvalidAddress, s[1])
	}
	payload, err := c32Decode(s[2:])
	if err != nil {
		return Address{}, err
	}
	if len(payload) > 24 {
		return Address{}, fmt.Errorf("%w: payload length %d", ErrInvalidAddress, len(payload))
	}
	if len(payload) < 24 {
		payload = append(make([]byte, 24-len(payload)), payload...)
	}

	var out Address
	out.Version = byte(version)
	copy(out.Hash160[:], payload[:20])
	want := addressChecksum(out.Version, out.Hash160[:])
	if !bytes.Equal(want[:], payload[20:]) {
		return Address{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return out, nil
}

func addressChecksum(version byte, data []byte) [4]byte {
	buf := make([]byte, 0, 1+len(data))
	buf = append(buf, version)
	buf = append(buf, data...)
	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	var out [4]byte
	copy(out[:], second[:4])
	return out
}

// c32Encode is the big-endian base-32 representation of b using the Crockford
// alphabet, with one leading '0' per leading zero byte.
func c32Encode(b []byte) string {
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}
	n := new(big.Int).SetBytes(b)
	radix := big.NewInt(32)
	mod := new(big.Int)
	var digits []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		digits = append(digits, c32Alphabet[mod.Int64()])
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return strings.Repeat("0", zeros) + string(digits)
}

func c32Decode(s string) ([]byte, error) {
	zeros := 0
	for zeros < len(s) && s[zeros] == '0' {
		zeros++
	}
	n := new(big.Int)
	radix := big.NewInt(32)
	for i := zeros; i < len(s); i++ {
		d := strings.IndexByte(c32Alphabet, s[i])
		if d < 0 {
			return nil, fmt.Errorf("%w: bad c32 character %q", ErrInvalidAddress, s[i])
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(d)))
	}
	return append(make([]byte, zeros), n.Bytes()...), nil
}
