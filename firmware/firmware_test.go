package firmware

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHex = ":10010000214601360121470136007EFE09D2190140\n:00000001FF\n"

func TestLoadIntelHex(t *testing.T) {
	img, err := LoadIntelHex(strings.NewReader(testHex), 6)
	require.NoError(t, err)
	assert.Equal(t, 16, img.Size())
	require.Len(t, img.Blocks, 3)

	assert.Equal(t, uint32(0x0100), img.Blocks[0].Address)
	assert.Equal(t, []byte{0x21, 0x46, 0x01, 0x36, 0x01, 0x21}, img.Blocks[0].Data)
	assert.Equal(t, uint32(0x0106), img.Blocks[1].Address)
	assert.Equal(t, uint32(0x010C), img.Blocks[2].Address)
	assert.Equal(t, []byte{0x09, 0xD2, 0x19, 0x01}, img.Blocks[2].Data)
}

func TestLoadIntelHex_Errors(t *testing.T) {
	_, err := LoadIntelHex(strings.NewReader(testHex), 0)
	assert.Error(t, err)

	_, err = LoadIntelHex(strings.NewReader(":10010000214601360121470136007EFE09D2190141\n:00000001FF\n"), 8)
	assert.Error(t, err, "checksum mismatch")
}

func TestBlockMessage(t *testing.T) {
	b := Block{Address: 0x08001000, Data: []byte{0xAA, 0xBB}}
	assert.Equal(t, []byte{0x08, 0x00, 0x10, 0x00, 0xAA, 0xBB}, b.Message())
}
