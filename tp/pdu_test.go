package tp

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestEncodeSingleFrame(t *testing.T) {
	data, err := EncodeSingleFrame([]byte{0x11, 0x22, 0x33}, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x11, 0x22, 0x33}, data)

	data, err = EncodeSingleFrame(testPayload(7), 8)
	require.NoError(t, err)
	assert.Equal(t, byte(0x07), data[0])
	assert.Len(t, data, 8)

	_, err = EncodeSingleFrame(testPayload(8), 8)
	var tooLarge PayloadTooLargeError
	assert.True(t, errors.As(err, &tooLarge))

	// CAN FD 长度转义
	data, err = EncodeSingleFrame(testPayload(20), 64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 20}, data[:2])
	assert.Len(t, data, 22)

	data, err = EncodeSingleFrame(nil, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, data)
}

func TestEncodeFirstFrame(t *testing.T) {
	payload := testPayload(42)
	data, err := EncodeFirstFrame(len(payload), payload[:6])
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x10, 0x2A}, payload[:6]...), data)

	data, err = EncodeFirstFrame(5000, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x00, 0x00, 0x00, 0x13, 0x88, 0xAA, 0xBB}, data)

	_, err = EncodeFirstFrame(6, testPayload(6))
	assert.Error(t, err)
}

func TestEncodeFlowControl(t *testing.T) {
	assert.Equal(t, []byte{0x30, 0x00, 0x00}, EncodeFlowControl(FlowStatusContinueToSend, 0, 0))
	assert.Equal(t, []byte{0x31, 0x08, 0x14}, EncodeFlowControl(FlowStatusWait, 8, 20*time.Millisecond))
	assert.Equal(t, []byte{0x32, 0x00, 0xF5}, EncodeFlowControl(FlowStatusOverflow, 0, 500*time.Microsecond))
}

func TestDecodePDU(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    PDU
	}{
		{
			name:    "single frame",
			payload: []byte{0x03, 0x11, 0x22, 0x33, 0xCC, 0xCC, 0xCC, 0xCC},
			want:    SingleFrame{Data: []byte{0x11, 0x22, 0x33}},
		},
		{
			name:    "empty single frame",
			payload: []byte{0x00},
			want:    SingleFrame{Data: []byte{}},
		},
		{
			name:    "escaped single frame",
			payload: append([]byte{0x00, 0x0A}, testPayload(10)...),
			want:    SingleFrame{Data: testPayload(10)},
		},
		{
			name:    "first frame",
			payload: []byte{0x10, 0x2A, 1, 2, 3, 4, 5, 6},
			want:    FirstFrame{Length: 42, Data: []byte{1, 2, 3, 4, 5, 6}},
		},
		{
			name:    "escaped first frame",
			payload: []byte{0x10, 0x00, 0x00, 0x00, 0x13, 0x88, 0xAA, 0xBB},
			want:    FirstFrame{Length: 5000, Data: []byte{0xAA, 0xBB}},
		},
		{
			name:    "consecutive frame",
			payload: []byte{0x2F, 1, 2},
			want:    ConsecutiveFrame{Sequence: 0x0F, Data: []byte{1, 2}},
		},
		{
			name:    "flow control",
			payload: []byte{0x30, 0x08, 0xF3},
			want:    FlowControl{Status: FlowStatusContinueToSend, BlockSize: 8, SeparationTime: 300 * time.Microsecond},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodePDU(tc.payload)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodePDU_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "single frame length beyond data", payload: []byte{0x05, 0x01, 0x02}},
		{name: "escaped single frame zero length", payload: append([]byte{0x00, 0x00}, testPayload(10)...)},
		{name: "escaped single frame length beyond data", payload: append([]byte{0x00, 0x0B}, testPayload(10)...)},
		{name: "truncated first frame", payload: []byte{0x10}},
		{name: "truncated escaped first frame", payload: []byte{0x10, 0x00, 0x00}},
		{name: "first frame fits itself", payload: []byte{0x10, 0x04, 1, 2, 3, 4, 5, 6}},
		{name: "truncated flow control", payload: []byte{0x30, 0x00}},
		{name: "reserved flow status", payload: []byte{0x33, 0x00, 0x00}},
		{name: "unknown pci", payload: []byte{0x40, 0x00}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePDU(tc.payload)
			var malformed MalformedFrameError
			assert.True(t, errors.As(err, &malformed), "got %v", err)
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 6, 7} {
		data, err := EncodeSingleFrame(testPayload(n), 8)
		require.NoError(t, err)
		got, err := DecodePDU(data)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(testPayload(n), got.(SingleFrame).Data))
	}

	for _, total := range []int{8, 4095, 4096, 70000} {
		chunk := firstFrameChunk(total, 8)
		data, err := EncodeFirstFrame(total, testPayload(total)[:chunk])
		require.NoError(t, err)
		assert.Len(t, data, 8)
		got, err := DecodePDU(data)
		require.NoError(t, err)
		ff := got.(FirstFrame)
		assert.Equal(t, uint32(total), ff.Length)
		assert.Equal(t, testPayload(total)[:chunk], ff.Data)
	}
}

func TestSTmin(t *testing.T) {
	assert.Equal(t, time.Duration(0), DecodeSTmin(0x00))
	assert.Equal(t, 20*time.Millisecond, DecodeSTmin(0x14))
	assert.Equal(t, 127*time.Millisecond, DecodeSTmin(0x7F))
	assert.Equal(t, 100*time.Microsecond, DecodeSTmin(0xF1))
	assert.Equal(t, 900*time.Microsecond, DecodeSTmin(0xF9))
	for _, reserved := range []byte{0x80, 0xF0, 0xFA, 0xFF} {
		assert.Equal(t, 127*time.Millisecond, DecodeSTmin(reserved))
	}

	assert.Equal(t, byte(0x00), EncodeSTmin(0))
	assert.Equal(t, byte(0xF1), EncodeSTmin(50*time.Microsecond))
	assert.Equal(t, byte(0xF9), EncodeSTmin(900*time.Microsecond))
	assert.Equal(t, byte(0x01), EncodeSTmin(950*time.Microsecond))
	assert.Equal(t, byte(0x02), EncodeSTmin(1500*time.Microsecond))
	assert.Equal(t, byte(0x7F), EncodeSTmin(time.Second))
}

func TestFrameLength(t *testing.T) {
	classic := DefaultProtocolParameters()
	assert.Equal(t, 4, frameLength(4, classic))
	assert.Equal(t, 8, frameLength(4, classic.WithPadding(0xAA)))

	fd := classic.WithDataLength(64)
	assert.Equal(t, 4, frameLength(4, fd))
	assert.Equal(t, 12, frameLength(9, fd))
	assert.Equal(t, 24, frameLength(22, fd))
	assert.Equal(t, 64, frameLength(49, fd))
	assert.Equal(t, 8, frameLength(4, fd.WithPadding(0x00)))
	assert.Equal(t, 24, frameLength(22, fd.WithPadding(0x00)))
	assert.Equal(t, 8, frameLength(3, classic.WithDataLength(8).WithPadding(0x00)))
}
