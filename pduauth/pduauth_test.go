package pduauth

import (
	"encoding/hex"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/isotpbroker/tp"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// RFC 4493 AES-128 test vectors.
func TestSigner_RFC4493(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	s, err := NewSigner(key, MaxTagSize)
	require.NoError(t, err)

	tests := []struct {
		msg string
		tag string
	}{
		{msg: "", tag: "bb1d6929e95937287fa37d129b756746"},
		{msg: "6bc1bee22e409f96e93d7e117393172a", tag: "070a16b46b4d4144f79bdd9dd04a287c"},
	}
	for _, tc := range tests {
		msg := mustHex(t, tc.msg)
		signed := s.Sign(msg)
		assert.Equal(t, mustHex(t, tc.tag), signed[len(msg):])

		payload, err := s.Verify(signed)
		require.NoError(t, err)
		assert.Equal(t, len(msg), len(payload))
	}
}

func TestSigner_Truncated(t *testing.T) {
	key, err := ParseKey("2b:7e:15:16:28:ae:d2:a6:ab:f7:15:88:09:cf:4f:3c")
	require.NoError(t, err)
	s, err := NewSigner(key, DefaultTagSize)
	require.NoError(t, err)

	signed := s.Sign([]byte{0x27, 0x01})
	assert.Len(t, signed, 2+DefaultTagSize)

	signed[0] ^= 0xFF
	_, err = s.Verify(signed)
	assert.True(t, errors.Is(err, ErrAuthentication))

	_, err = s.Verify([]byte{0x01})
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestNewSigner_Invalid(t *testing.T) {
	_, err := NewSigner(make([]byte, 10), DefaultTagSize)
	assert.Error(t, err)
	_, err = NewSigner(make([]byte, 16), 2)
	assert.Error(t, err)
	_, err = ParseKey("zz")
	assert.Error(t, err)
}

func TestVerifyingHandler(t *testing.T) {
	s, err := NewSigner(make([]byte, 16), DefaultTagSize)
	require.NoError(t, err)

	var got [][]byte
	var failures []error
	h := VerifyingHandler(s,
		tp.MessageHandlerFunc(func(_ *tp.Channel, _ tp.Address, payload []byte) {
			got = append(got, payload)
		}),
		tp.ErrorHandlerFunc(func(_ *tp.Channel, err error) {
			failures = append(failures, err)
		}))

	sender := tp.MustSFF(0x7E8)
	h.HandleMessage(nil, sender, s.Sign([]byte{0x62, 0xF1, 0x90}))
	h.HandleMessage(nil, sender, []byte{0x62, 0xF1, 0x90, 0x00, 0x00, 0x00, 0x00})

	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x62, 0xF1, 0x90}, got[0])
	require.Len(t, failures, 1)
	assert.True(t, errors.Is(failures[0], ErrAuthentication))
}
