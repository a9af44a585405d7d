package types

import (
	"encoding/binary"
	"fmt"

	"github.com/iotaledger/hive.go/ierrors"
)

const EpochIndexLength = 8

// EpochIndex is the index of an epoch. Epoch indices are monotonically
// increasing and epoch 0 is the genesis epoch.
type EpochIndex uint64

func EpochIndexFromBytes(b []byte) (EpochIndex, int, error) {
	if len(b) < EpochIndexLength {
		return 0, 0, ierrors.New("invalid epoch index length")
	}

	return EpochIndex(binary.LittleEndian.Uint64(b)), EpochIndexLength, nil
}

func (e EpochIndex) Bytes() ([]byte, error) {
	bytes := make([]byte, EpochIndexLength)
	binary.LittleEndian.PutUint64(bytes, uint64(e))

	return bytes, nil
}

func (e EpochIndex) MustBytes() []byte {
	bytes, err := e.Bytes()
	if err != nil {
		panic(err)
	}

	return bytes
}

func (e EpochIndex) String() string {
	return fmt.Sprintf("EpochIndex(%d)", uint64(e))
}
