// Package codec converts between the byte form of report identifiers used in
// key-server requests and their 256-bit integer value.
package codec

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/org/sealaudit/internal/apperr"
)

// MaxIDBytes is the longest identifier that fits in 256 bits.
const MaxIDBytes = 32

// BytesToU256 decodes b as a little-endian unsigned integer: byte 0 is the
// least significant. Inputs longer than 32 bytes are rejected.
func BytesToU256(b []byte) (*uint256.Int, error) {
	if len(b) > MaxIDBytes {
		return nil, fmt.Errorf("%w: id is %d bytes, max %d", apperr.ErrInvalidAccessType, len(b), MaxIDBytes)
	}
	result := new(uint256.Int)
	limb := new(uint256.Int)
	for i, v := range b {
		limb.SetUint64(uint64(v))
		limb.Lsh(limb, uint(i*8))
		result.Or(result, limb)
	}
	return result, nil
}

// U256ToBytes encodes v little-endian into n bytes. n <= 0 or n > 32 means 32.
// High-order bytes that do not fit in n are dropped.
func U256ToBytes(v *uint256.Int, n int) []byte {
	if n <= 0 || n > MaxIDBytes {
		n = MaxIDBytes
	}
	be := v.Bytes32()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = be[MaxIDBytes-1-i]
	}
	return out
}
