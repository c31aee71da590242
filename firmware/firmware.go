// Package firmware splits Intel HEX images into blocks sized for one ISO-TP
// message each.
package firmware

import (
	"encoding/binary"
	"io"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// Block is one contiguous chunk of the image.
type Block struct {
	Address uint32
	Data    []byte
}

// Image is a parsed firmware file.
type Image struct {
	Blocks []Block
	// Start is the entry point, if the file declares one.
	Start    uint32
	HasStart bool
}

// Size returns the total number of data bytes.
func (img Image) Size() int {
	n := 0
	for _, b := range img.Blocks {
		n += len(b.Data)
	}
	return n
}

// LoadIntelHex parses r and cuts every data segment into blocks of at most
// blockSize bytes.
func LoadIntelHex(r io.Reader, blockSize int) (Image, error) {
	if blockSize < 1 {
		return Image{}, errors.Errorf("invalid block size %d", blockSize)
	}
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return Image{}, errors.Wrap(err, "parse intel hex")
	}

	var img Image
	for _, seg := range mem.GetDataSegments() {
		for off := 0; off < len(seg.Data); off += blockSize {
			end := off + blockSize
			if end > len(seg.Data) {
				end = len(seg.Data)
			}
			img.Blocks = append(img.Blocks, Block{
				Address: seg.Address + uint32(off),
				Data:    append([]byte(nil), seg.Data[off:end]...),
			})
		}
	}
	img.Start, img.HasStart = mem.GetStartAddress()
	return img, nil
}

// Message prefixes the block data with its big-endian 32-bit address.
func (b Block) Message() []byte {
	msg := make([]byte, 4, 4+len(b.Data))
	binary.BigEndian.PutUint32(msg, b.Address)
	return append(msg, b.Data...)
}
