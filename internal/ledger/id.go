package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// PublisherID is the 128-bit random handle subscribers use to reference a
// publisher. Its text form is the unsigned decimal value of the 16 bytes read
// big-endian, which is also how it appears in the persisted ledger.
type PublisherID [16]byte

// NewPublisherID draws a fresh random ID.
func NewPublisherID() (PublisherID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return PublisherID{}, err
	}
	return PublisherID(u), nil
}

func (id PublisherID) IsZero() bool { return id == PublisherID{} }

func (id PublisherID) String() string {
	return new(big.Int).SetBytes(id[:]).String()
}

// ParsePublisherID parses the decimal form.
func ParsePublisherID(s string) (PublisherID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PublisherID{}, fmt.Errorf("empty publisher id")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return PublisherID{}, fmt.Errorf("publisher id %q: not a decimal number", s)
		}
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return PublisherID{}, fmt.Errorf("publisher id %q: not a decimal number", s)
	}
	if n.BitLen() > 128 {
		return PublisherID{}, fmt.Errorf("publisher id %q: exceeds 128 bits", s)
	}
	var id PublisherID
	n.FillBytes(id[:])
	return id, nil
}

// Compare orders IDs by numeric value.
func (id PublisherID) Compare(other PublisherID) int {
	return bytes.Compare(id[:], other[:])
}

func (id PublisherID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PublisherID) UnmarshalText(b []byte) error {
	v, err := ParsePublisherID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// MarshalJSON writes the ID as a bare JSON number.
func (id PublisherID) MarshalJSON() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (id *PublisherID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return id.UnmarshalText([]byte(s))
	}
	return id.UnmarshalText(b)
}
