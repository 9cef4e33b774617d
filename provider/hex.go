package provider

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseHexUint64 parses a 0x-prefixed hex quantity.
func ParseHexUint64(s string) (uint64, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if h == "" {
		return 0, errors.New("empty hex quantity")
	}
	v, err := strconv.ParseUint(h, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing hex quantity [%s]", s)
	}
	return v, nil
}

// ParseHexBig parses 0x-prefixed hex data as an unsigned big integer.
// Empty data ("" or "0x") parses as zero.
func ParseHexBig(s string) (*big.Int, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if h == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(h, 16)
	if !ok {
		return nil, errors.Errorf("parsing hex data [%s]", s)
	}
	return v, nil
}

// TopicToAddress extracts the address from a 32 byte log topic: the low 20
// bytes are the address.
func TopicToAddress(topic string) (string, error) {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(topic), "0x"))
	if len(h) < 40 {
		return "", errors.Errorf("topic too short for an address [%s]", topic)
	}
	return "0x" + h[len(h)-40:], nil
}
