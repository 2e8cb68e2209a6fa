package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"github.com/org/sealaudit/internal/apperr"
)

func TestBytesToU256Examples(t *testing.T) {
	cases := []struct {
		in   []byte
		want uint64
	}{
		{[]byte{0x01, 0x02}, 0x0201},
		{[]byte{0xFF, 0x00, 0x00, 0x01}, 0x010000FF},
		{[]byte{}, 0},
		{[]byte{0x2a}, 42},
	}
	for _, tc := range cases {
		got, err := BytesToU256(tc.in)
		if err != nil {
			t.Fatalf("BytesToU256(%x): %v", tc.in, err)
		}
		if !got.Eq(uint256.NewInt(tc.want)) {
			t.Errorf("BytesToU256(%x) = %s, want %#x", tc.in, got.Hex(), tc.want)
		}
	}
}

func TestBytesToU256RejectsOversized(t *testing.T) {
	_, err := BytesToU256(make([]byte, 33))
	if !errors.Is(err, apperr.ErrInvalidAccessType) {
		t.Fatalf("expected ErrInvalidAccessType, got %v", err)
	}
}

func TestBytesToU256FullWidth(t *testing.T) {
	b := make([]byte, 32)
	b[31] = 0x80
	got, err := BytesToU256(b)
	if err != nil {
		t.Fatal(err)
	}
	want := new(uint256.Int).Lsh(uint256.NewInt(0x80), 248)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Hex(), want.Hex())
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{0x01},
		{0x01, 0x02},
		{0xFF, 0x00, 0x00, 0x01},
		{0x00, 0x00, 0x00},
		bytes.Repeat([]byte{0xAB}, 32),
		{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x90},
	}
	for _, in := range inputs {
		v, err := BytesToU256(in)
		if err != nil {
			t.Fatalf("decode %x: %v", in, err)
		}
		out := U256ToBytes(v, len(in))
		if len(in) == 0 {
			continue
		}
		if !bytes.Equal(out, in) {
			t.Errorf("round trip %x -> %x", in, out)
		}
	}
}

func TestU256ToBytesDefaultsToFullWidth(t *testing.T) {
	out := U256ToBytes(uint256.NewInt(0x0201), 0)
	if len(out) != 32 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0] != 0x01 || out[1] != 0x02 {
		t.Errorf("unexpected prefix %x", out[:2])
	}
}
