package clarity

import (
	"fmt"

	"github.com/juno-intents/signer-harness/internal/stacks"
)

// ExpectResultOk unwraps (ok v). An (err v) is reported with its payload.
func ExpectResultOk(v Value) (Value, error) {
	r, ok := v.(Response)
	if !ok {
		return nil, fmt.Errorf("%w: want response, got %T", ErrUnexpectedType, v)
	}
	if !r.Ok {
		return nil, fmt.Errorf("%w: contract returned (err %s)", ErrUnexpectedType, describe(r.Value))
	}
	return r.Value, nil
}

func ExpectList(v Value) (List, error) {
	l, ok := v.(List)
	if !ok {
		return nil, fmt.Errorf("%w: want list, got %T", ErrUnexpectedType, v)
	}
	return l, nil
}

func ExpectTuple(v Value) (Tuple, error) {
	t, ok := v.(Tuple)
	if !ok {
		return nil, fmt.Errorf("%w: want tuple, got %T", ErrUnexpectedType, v)
	}
	return t, nil
}

// ExpectPrincipal accepts only standard principals.
func ExpectPrincipal(v Value) (stacks.Address, error) {
	p, ok := v.(PrincipalStandard)
	if !ok {
		return stacks.Address{}, fmt.Errorf("%w: want standard principal, got %T", ErrUnexpectedType, v)
	}
	return p.Address, nil
}

// ExpectUInt requires the value to fit in 64 bits.
func ExpectUInt(v Value) (uint64, error) {
	u, ok := v.(UInt)
	if !ok {
		return 0, fmt.Errorf("%w: want uint, got %T", ErrUnexpectedType, v)
	}
	n := bigOrZero(u.V)
	if !n.IsUint64() {
		return 0, fmt.Errorf("%w: uint %s overflows u64", ErrUnexpectedType, n)
	}
	return n.Uint64(), nil
}

// Field returns a tuple field or ErrUnexpectedType if it is missing.
func (t Tuple) Field(name string) (Value, error) {
	v, ok := t[name]
	if !ok {
		return nil, fmt.Errorf("%w: tuple has no field %q", ErrUnexpectedType, name)
	}
	return v, nil
}

func describe(v Value) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case UInt:
		return "u" + bigOrZero(x.V).String()
	case Int:
		return bigOrZero(x.V).String()
	case Bool:
		return fmt.Sprintf("%t", bool(x))
	case PrincipalStandard:
		return x.Address.String()
	case PrincipalContract:
		return x.Contract.String()
	default:
		return fmt.Sprintf("%T", v)
	}
}
