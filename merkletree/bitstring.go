package merkletree

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/bits"
	"strings"
)

var (
	// ErrMalformedBitString indicates an encoding that does not describe
	// a canonical BitString.
	ErrMalformedBitString = errors.New("[merkletree] Malformed bit string")
)

// BitString is an immutable sequence of bits. Bit 0 is the most
// significant bit of the first byte. Unused bits of the last byte are
// always zero, so two equal BitStrings have equal byte representations.
type BitString struct {
	bytes []byte
	n     int
}

// NewBitString returns the first n bits of b.
func NewBitString(b []byte, n int) BitString {
	if n < 0 || n > 8*len(b) {
		panic(ErrMalformedBitString)
	}
	out := make([]byte, (n+7)/8)
	copy(out, b)
	if r := n % 8; r != 0 {
		out[len(out)-1] &= 0xff << (8 - r)
	}
	return BitString{bytes: out, n: n}
}

// BitStringFromBytes returns all 8*len(b) bits of b.
func BitStringFromBytes(b []byte) BitString {
	return NewBitString(b, 8*len(b))
}

// Len returns the number of bits.
func (b BitString) Len() int {
	return b.n
}

// Bytes returns a copy of the underlying bytes.
func (b BitString) Bytes() []byte {
	return append([]byte{}, b.bytes...)
}

// Bit returns bit i as 0 or 1.
func (b BitString) Bit(i int) byte {
	if i < 0 || i >= b.n {
		panic(ErrMalformedBitString)
	}
	return (b.bytes[i/8] >> (7 - uint(i%8))) & 1
}

// Prefix returns the first n bits.
func (b BitString) Prefix(n int) BitString {
	if n >= b.n {
		return b
	}
	return NewBitString(b.bytes, n)
}

// LCP returns the longest common prefix of b and o.
func (b BitString) LCP(o BitString) BitString {
	max := b.n
	if o.n < max {
		max = o.n
	}
	for i := 0; i*8 < max; i++ {
		if x := b.bytes[i] ^ o.bytes[i]; x != 0 {
			l := i*8 + bits.LeadingZeros8(x)
			if l > max {
				l = max
			}
			return b.Prefix(l)
		}
	}
	return b.Prefix(max)
}

// IsPrefixOf reports whether b is a prefix of o. Every BitString is a
// prefix of itself.
func (b BitString) IsPrefixOf(o BitString) bool {
	return b.n <= o.n && b.LCP(o).n == b.n
}

// Compare orders bit strings lexicographically, a proper prefix sorting
// before its extensions.
func (b BitString) Compare(o BitString) int {
	l := b.LCP(o).n
	switch {
	case l < b.n && l < o.n:
		return int(b.Bit(l)) - int(o.Bit(l))
	case b.n < o.n:
		return -1
	case b.n > o.n:
		return 1
	}
	return 0
}

// Equal reports whether b and o hold the same bits.
func (b BitString) Equal(o BitString) bool {
	return b.n == o.n && bytes.Equal(b.bytes, o.bytes)
}

// Encode returns the bytes of b followed by one byte holding the number
// of unused low bits in the last byte.
func (b BitString) Encode() []byte {
	out := make([]byte, len(b.bytes)+1)
	copy(out, b.bytes)
	out[len(b.bytes)] = byte(8*len(b.bytes) - b.n)
	return out
}

// DecodeBitString parses the output of Encode.
func DecodeBitString(buf []byte) (BitString, error) {
	if len(buf) == 0 {
		return BitString{}, ErrMalformedBitString
	}
	data, unused := buf[:len(buf)-1], int(buf[len(buf)-1])
	if unused > 7 || (len(data) == 0 && unused != 0) {
		return BitString{}, ErrMalformedBitString
	}
	b := NewBitString(data, 8*len(data)-unused)
	if !bytes.Equal(b.bytes, data) {
		return BitString{}, ErrMalformedBitString
	}
	return b, nil
}

// String returns the bits as a string of '0' and '1'.
func (b BitString) String() string {
	var sb strings.Builder
	sb.Grow(b.n)
	for i := 0; i < b.n; i++ {
		sb.WriteByte('0' + b.Bit(i))
	}
	return sb.String()
}

// MarshalJSON encodes b as the hex string of Encode.
func (b BitString) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b.Encode()))
}

// UnmarshalJSON parses the output of MarshalJSON.
func (b *BitString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ErrMalformedBitString
	}
	d, err := DecodeBitString(raw)
	if err != nil {
		return err
	}
	*b = d
	return nil
}
