package node

// Burnchain operations are carried in an OP_RETURN output: two magic bytes
// naming the network, one opcode byte, then the payload.
const (
	opReturn     = 0x6a
	opPushData1  = 0x4c
	opPushData2  = 0x4d
	maxDirectLen = 0x4b

	opLeaderBlockCommit = '['
	opLeaderKeyRegister = '^'
)

// RegtestMagic prefixes every regtest burnchain operation.
var RegtestMagic = [2]byte{'i', 'd'}

type OpKind int

const (
	OpNone OpKind = iota
	OpBlockCommit
	OpKeyRegister
)

func (k OpKind) String() string {
	switch k {
	case OpBlockCommit:
		return "leader_block_commit"
	case OpKeyRegister:
		return "leader_key_register"
	default:
		return "none"
	}
}

// opReturnData extracts the single pushed payload of an OP_RETURN script.
func opReturnData(script []byte) ([]byte, bool) {
	if len(script) < 2 || script[0] != opReturn {
		return nil, false
	}
	rest := script[1:]
	var n, hdr int
	switch op := rest[0]; {
	case op >= 1 && op <= maxDirectLen:
		n, hdr = int(op), 1
	case op == opPushData1:
		if len(rest) < 2 {
			return nil, false
		}
		n, hdr = int(rest[1]), 2
	case op == opPushData2:
		if len(rest) < 3 {
			return nil, false
		}
		n, hdr = int(rest[1])|int(rest[2])<<8, 3
	default:
		return nil, false
	}
	if len(rest) != hdr+n {
		return nil, false
	}
	return rest[hdr:], true
}

// ClassifyScript reports which leader operation, if any, script carries.
func ClassifyScript(script []byte, magic [2]byte) OpKind {
	data, ok := opReturnData(script)
	if !ok || len(data) < 3 || data[0] != magic[0] || data[1] != magic[1] {
		return OpNone
	}
	switch data[2] {
	case opLeaderBlockCommit:
		return OpBlockCommit
	case opLeaderKeyRegister:
		return OpKeyRegister
	default:
		return OpNone
	}
}
