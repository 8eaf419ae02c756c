package l1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame := Frame{
		Address: "/bridge/object/42/param",
		Args: []Arg{
			{Type: ArgInt, Int: -7},
			{Type: ArgFloat, Float: 440.5},
			{Type: ArgString, Str: "hello world"},
			{Type: ArgBool, Bool: true},
			{Type: ArgBlob, Blob: []byte{0x01, 0x02, 0x03}},
		},
	}

	payload, err := encode(frame)
	require.NoError(t, err)
	decoded, err := decode(payload)
	require.NoError(t, err)
	assert.Equal(t, frame, *decoded)
}

func TestEncodeDecodeEmptyArgs(t *testing.T) {
	frame := Frame{Address: "/bridge/ping"}
	payload, err := encode(frame)
	require.NoError(t, err)
	decoded, err := decode(payload)
	require.NoError(t, err)
	assert.Equal(t, frame.Address, decoded.Address)
	assert.Empty(t, decoded.Args)
}

func TestDecodeMalformedReturnsError(t *testing.T) {
	_, err := decode([]byte{0x00})
	assert.Error(t, err)
	_, err = decode(nil)
	assert.Error(t, err)
}

func TestMatchPatternWildcards(t *testing.T) {
	cases := []struct {
		pattern, addr string
		want          bool
	}{
		{"/bridge/object/1/param", "/bridge/object/1/param", true},
		{"/bridge/object/*/param", "/bridge/object/42/param", true},
		{"/bridge/object/*/param", "/bridge/object/42/43/param", true},
		{"/bridge/object/?/param", "/bridge/object/4/param", true},
		{"/bridge/object/?/param", "/bridge/object/42/param", false},
		{"/bridge/object/[123]/param", "/bridge/object/2/param", true},
		{"/bridge/object/[123]/param", "/bridge/object/9/param", false},
		{"/bridge/{lifecycle,status}/event", "/bridge/lifecycle/event", true},
		{"/bridge/{lifecycle,status}/event", "/bridge/status/event", true},
		{"/bridge/{lifecycle,status}/event", "/bridge/other/event", false},
		{"/bridge/object/1/param", "/bridge/object/2/param", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchPattern(c.pattern, c.addr), "MatchPattern(%q, %q)", c.pattern, c.addr)
	}
}
