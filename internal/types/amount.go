package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

// Amount is an unsigned 256-bit quantity. It is encoded as a JSON decimal
// string so large on-chain values survive the round trip; plain JSON numbers
// are accepted on input.
type Amount struct {
	v uint256.Int
}

// NewAmount returns an Amount holding x.
func NewAmount(x uint64) Amount {
	var a Amount
	a.v.SetUint64(x)
	return a
}

// ParseAmount parses a base-10 string.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if err := a.v.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return a, nil
}

// String returns the decimal representation.
func (a Amount) String() string {
	return a.v.Dec()
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.v.Dec())
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		a.v.Clear()
		return nil
	}
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
