package models

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// U256 is an unsigned 256-bit identifier. It marshals as a decimal string;
// UnmarshalText also accepts 0x-prefixed big-endian hex.
type U256 struct {
	v uint256.Int
}

func NewU256(v uint64) U256 {
	var u U256
	u.v.SetUint64(v)
	return u
}

func U256FromInt(i *uint256.Int) U256 {
	var u U256
	u.v.Set(i)
	return u
}

// ParseU256 parses a decimal or 0x-prefixed hex string.
func ParseU256(s string) (U256, error) {
	var u U256
	s = strings.TrimSpace(s)
	if s == "" {
		return u, fmt.Errorf("empty u256")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		h := s[2:]
		if len(h)%2 == 1 {
			h = "0" + h
		}
		b, err := hex.DecodeString(h)
		if err != nil {
			return u, fmt.Errorf("parsing u256 hex: %w", err)
		}
		if len(b) > 32 {
			return u, fmt.Errorf("u256 hex overflows 256 bits")
		}
		u.v.SetBytes(b)
		return u, nil
	}
	i, err := uint256.FromDecimal(s)
	if err != nil {
		return u, fmt.Errorf("parsing u256 decimal: %w", err)
	}
	u.v.Set(i)
	return u, nil
}

// Int returns a copy of the underlying integer.
func (u U256) Int() *uint256.Int {
	return new(uint256.Int).Set(&u.v)
}

func (u U256) Equal(o U256) bool { return u.v.Eq(&o.v) }

func (u U256) IsZero() bool { return u.v.IsZero() }

func (u U256) String() string { return u.v.Dec() }

// Hex renders the value as 0x-prefixed, 64 digit big-endian hex.
func (u U256) Hex() string {
	b := u.v.Bytes32()
	return "0x" + hex.EncodeToString(b[:])
}

func (u U256) MarshalText() ([]byte, error) {
	return []byte(u.v.Dec()), nil
}

func (u *U256) UnmarshalText(text []byte) error {
	p, err := ParseU256(string(text))
	if err != nil {
		return err
	}
	*u = p
	return nil
}
