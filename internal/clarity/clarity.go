// Package clarity implements the subset of the Clarity value consensus
// serialization needed for read-only contract calls against a stacks-node.
package clarity

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/juno-intents/signer-harness/internal/stacks"
)

var (
	ErrMalformed      = errors.New("clarity: malformed value")
	ErrUnexpectedType = errors.New("clarity: unexpected type")
)

const (
	typeInt               byte = 0x00
	typeUInt              byte = 0x01
	typeBoolTrue          byte = 0x03
	typeBoolFalse         byte = 0x04
	typePrincipalStandard byte = 0x05
	typePrincipalContract byte = 0x06
	typeResponseOk        byte = 0x07
	typeResponseErr       byte = 0x08
	typeOptionalNone      byte = 0x09
	typeOptionalSome      byte = 0x0a
	typeList              byte = 0x0b
	typeTuple             byte = 0x0c
)

// maxDepth bounds nesting while decoding untrusted node responses.
const maxDepth = 32

// Value is a decoded Clarity value.
type Value interface {
	typeID() byte
	encode(b []byte) []byte
}

type Int struct{ V *big.Int }

type UInt struct{ V *big.Int }

type Bool bool

type PrincipalStandard struct{ Address stacks.Address }

type PrincipalContract struct{ Contract stacks.ContractID }

// Response is (ok v) when Ok is true and (err v) otherwise.
type Response struct {
	Ok    bool
	Value Value
}

// Optional is (some v) when Value is non-nil and none otherwise.
type Optional struct{ Value Value }

type List []Value

// Tuple serializes its fields sorted by name.
type Tuple map[string]Value

func NewUInt(v uint64) UInt { return UInt{V: new(big.Int).SetUint64(v)} }

func NewInt(v int64) Int { return Int{V: big.NewInt(v)} }

func (Int) typeID() byte               { return typeInt }
func (UInt) typeID() byte              { return typeUInt }
func (PrincipalStandard) typeID() byte { return typePrincipalStandard }
func (PrincipalContract) typeID() byte { return typePrincipalContract }
func (List) typeID() byte              { return typeList }
func (Tuple) typeID() byte             { return typeTuple }

func (b Bool) typeID() byte {
	if b {
		return typeBoolTrue
	}
	return typeBoolFalse
}

func (r Response) typeID() byte {
	if r.Ok {
		return typeResponseOk
	}
	return typeResponseErr
}

func (o Optional) typeID() byte {
	if o.Value == nil {
		return typeOptionalNone
	}
	return typeOptionalSome
}

func (v Int) encode(b []byte) []byte {
	var out [16]byte
	n := new(big.Int).Set(bigOrZero(v.V))
	if n.Sign() < 0 {
		// two's complement over 128 bits
		n.Add(n, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	n.FillBytes(out[:])
	return append(append(b, typeInt), out[:]...)
}

func (v UInt) encode(b []byte) []byte {
	var out [16]byte
	bigOrZero(v.V).FillBytes(out[:])
	return append(append(b, typeUInt), out[:]...)
}

func (v Bool) encode(b []byte) []byte { return append(b, v.typeID()) }

func (p PrincipalStandard) encode(b []byte) []byte {
	b = append(b, typePrincipalStandard, p.Address.Version)
	return append(b, p.Address.Hash160[:]...)
}

func (p PrincipalContract) encode(b []byte) []byte {
	b = append(b, typePrincipalContract, p.Contract.Issuer.Version)
	b = append(b, p.Contract.Issuer.Hash160[:]...)
	b = append(b, byte(len(p.Contract.Name)))
	return append(b, p.Contract.Name...)
}

func (r Response) encode(b []byte) []byte {
	b = append(b, r.typeID())
	if r.Value == nil {
		return Bool(false).encode(b)
	}
	return r.Value.encode(b)
}

func (o Optional) encode(b []byte) []byte {
	b = append(b, o.typeID())
	if o.Value == nil {
		return b
	}
	return o.Value.encode(b)
}

func (l List) encode(b []byte) []byte {
	b = append(b, typeList)
	b = binary.BigEndian.AppendUint32(b, uint32(len(l)))
	for _, v := range l {
		b = v.encode(b)
	}
	return b
}

func (t Tuple) encode(b []byte) []byte {
	names := make([]string, 0, len(t))
	for k := range t {
		names = append(names, k)
	}
	sort.Strings(names)
	b = append(b, typeTuple)
	b = binary.BigEndian.AppendUint32(b, uint32(len(names)))
	for _, k := range names {
		b = append(b, byte(len(k)))
		b = append(b, k...)
		b = t[k].encode(b)
	}
	return b
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Serialize returns the consensus encoding of v.
func Serialize(v Value) []byte {
	return v.encode(nil)
}

// SerializeHex returns the 0x-prefixed consensus encoding, the form the
// read-only call endpoint expects for arguments.
func SerializeHex(v Value) string {
	return "0x" + hex.EncodeToString(Serialize(v))
}

// Deserialize decodes a single value that must consume all of b.
func Deserialize(b []byte) (Value, error) {
	d := decoder{buf: b}
	v, err := d.value(0)
	if err != nil {
		return nil, err
	}
	if d.pos != len(d.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.buf)-d.pos)
	}
	return v, nil
}

// DecodeHex decodes a hex-encoded value, with or without a 0x prefix.
func DecodeHex(s string) (Value, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: hex: %v", ErrMalformed, err)
	}
	return Deserialize(b)
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.buf)-d.pos < n {
		return nil, fmt.Errorf("%w: unexpected end of input at offset %d", ErrMalformed, d.pos)
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) readByte() (byte, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) address() (stacks.Address, error) {
	version, err := d.readByte()
	if err != nil {
		return stacks.Address{}, err
	}
	h, err := d.take(20)
	if err != nil {
		return stacks.Address{}, err
	}
	var a stacks.Address
	a.Version = version
	copy(a.Hash160[:], h)
	return a, nil
}

func (d *decoder) name() (string, error) {
	n, err := d.readByte()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) value(depth int) (Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	t, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch t {
	case typeInt:
		b, err := d.take(16)
		if err != nil {
			return nil, err
		}
		n := new(big.Int).SetBytes(b)
		if b[0]&0x80 != 0 {
			n.Sub(n, new(big.Int).Lsh(big.NewInt(1), 128))
		}
		return Int{V: n}, nil
	case typeUInt:
		b, err := d.take(16)
		if err != nil {
			return nil, err
		}
		return UInt{V: new(big.Int).SetBytes(b)}, nil
	case typeBoolTrue:
		return Bool(true), nil
	case typeBoolFalse:
		return Bool(false), nil
	case typePrincipalStandard:
		a, err := d.address()
		if err != nil {
			return nil, err
		}
		return PrincipalStandard{Address: a}, nil
	case typePrincipalContract:
		a, err := d.address()
		if err != nil {
			return nil, err
		}
		name, err := d.name()
		if err != nil {
			return nil, err
		}
		return PrincipalContract{Contract: stacks.ContractID{Issuer: a, Name: name}}, nil
	case typeResponseOk, typeResponseErr:
		inner, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		return Response{Ok: t == typeResponseOk, Value: inner}, nil
	case typeOptionalNone:
		return Optional{}, nil
	case typeOptionalSome:
		inner, err := d.value(depth + 1)
		if err != nil {
			return nil, err
		}
		return Optional{Value: inner}, nil
	case typeList:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		// each element is at least one byte
		if int(n) > len(d.buf)-d.pos {
			return nil, fmt.Errorf("%w: list length %d exceeds input", ErrMalformed, n)
		}
		out := make(List, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case typeTuple:
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		if int(n) > len(d.buf)-d.pos {
			return nil, fmt.Errorf("%w: tuple length %d exceeds input", ErrMalformed, n)
		}
		out := make(Tuple, n)
		for i := uint32(0); i < n; i++ {
			k, err := d.name()
			if err != nil {
				return nil, err
			}
			v, err := d.value(depth + 1)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type prefix 0x%02x", ErrMalformed, t)
	}
}
