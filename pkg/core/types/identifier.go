package types

import (
	"bytes"
	"encoding/hex"

	"github.com/iotaledger/hive.go/ierrors"
)

const (
	ValidatorIDLength = 32
	AddressLength     = 32
)

// ValidatorID is the identity key of a validator in the registry.
type ValidatorID [ValidatorIDLength]byte

func ValidatorIDFromBytes(b []byte) (ValidatorID, int, error) {
	var id ValidatorID
	if len(b) < ValidatorIDLength {
		return id, 0, ierrors.New("invalid validator ID length")
	}
	copy(id[:], b)

	return id, ValidatorIDLength, nil
}

func (v ValidatorID) Bytes() ([]byte, error) {
	return v[:], nil
}

func (v ValidatorID) Compare(other ValidatorID) int {
	return bytes.Compare(v[:], other[:])
}

func (v ValidatorID) String() string {
	return "ValidatorID(0x" + hex.EncodeToString(v[:]) + ")"
}

// Address is an opaque payment destination. The engine never interprets it,
// it only routes commission payouts to it.
type Address [AddressLength]byte

func AddressFromBytes(b []byte) (Address, int, error) {
	var addr Address
	if len(b) < AddressLength {
		return addr, 0, ierrors.New("invalid address length")
	}
	copy(addr[:], b)

	return addr, AddressLength, nil
}

func (a Address) Bytes() ([]byte, error) {
	return a[:], nil
}

func (a Address) String() string {
	return "Address(0x" + hex.EncodeToString(a[:]) + ")"
}
