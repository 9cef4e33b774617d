package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexUint64(t *testing.T) {
	v, err := ParseHexUint64("0x3e8")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), v)

	v, err = ParseHexUint64("0x0")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	_, err = ParseHexUint64("")
	assert.Error(t, err)

	_, err = ParseHexUint64("0xzz")
	assert.Error(t, err)
}

func TestParseHexBig(t *testing.T) {
	v, err := ParseHexBig("0x0de0b6b3a7640000") // 1e18
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", v.String())

	v, err = ParseHexBig("0x")
	require.NoError(t, err)
	assert.Equal(t, "0", v.String())

	v, err = ParseHexBig("")
	require.NoError(t, err)
	assert.Equal(t, "0", v.String())

	_, err = ParseHexBig("0xnope")
	assert.Error(t, err)
}

func TestTopicToAddress(t *testing.T) {
	topic := "0x000000000000000000000000a1b2c3d4e5f60718293a4b5c6d7e8f9012345678"
	address, err := TopicToAddress(topic)
	require.NoError(t, err)
	assert.Equal(t, "0xa1b2c3d4e5f60718293a4b5c6d7e8f9012345678", address)

	_, err = TopicToAddress("0x1234")
	assert.Error(t, err)
}
