package stacks

import (
	"errors"
	"fmt"
	"strings"
)

const (
	SignersContractName = "signers"

	// SignerSlotsPerUser is the number of stackerdb message ids each signer owns.
	SignerSlotsPerUser = 13
)

var ErrInvalidContractID = errors.New("stacks: invalid contract id")

// ContractID is a qualified contract identifier, issuer.name.
type ContractID struct {
	Issuer Address
	Name   string
}

func (c ContractID) String() string {
	return c.Issuer.String() + "." + c.Name
}

func ParseContractID(s string) (ContractID, error) {
	issuer, name, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || name == "" {
		return ContractID{}, fmt.Errorf("%w: %q", ErrInvalidContractID, s)
	}
	addr, err := ParseAddress(issuer)
	if err != nil {
		return ContractID{}, fmt.Errorf("%w: %v", ErrInvalidContractID, err)
	}
	return ContractID{Issuer: addr, Name: name}, nil
}

// BootAddress is the issuer of boot contracts (all-zero hash160).
func BootAddress(mainnet bool) Address {
	if mainnet {
		return Address{Version: AddressVersionMainnetSingleSig}
	}
	return Address{Version: AddressVersionTestnetSingleSig}
}

func BootContractID(name string, mainnet bool) ContractID {
	return ContractID{Issuer: BootAddress(mainnet), Name: name}
}

// SignersDBContractID names the stackerdb contract for one signer set and message id.
func SignersDBContractID(signerSet uint32, messageID uint32, mainnet bool) ContractID {
	return BootContractID(fmt.Sprintf("signers-%d-%d", signerSet, messageID), mainnet)
}
