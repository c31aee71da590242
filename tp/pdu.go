package tp

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// pciTypeSingleFrame (SF) 是 0
	pciTypeSingleFrame = 0x00
	// pciTypeFirstFrame (FF) 是 1
	pciTypeFirstFrame = 0x10
	// pciTypeConsecutiveFrame (CF) 是 2
	pciTypeConsecutiveFrame = 0x20
	// pciTypeFlowControl (FC) 是 3
	pciTypeFlowControl = 0x30

	maxShortFirstFrameLength       = 0xFFF
	maxFirstFrameLength      int64 = 0xFFFFFFFF
)

// FlowStatus 定义了流控帧的状态。
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

func (s FlowStatus) String() string {
	switch s {
	case FlowStatusContinueToSend:
		return "CTS"
	case FlowStatusWait:
		return "WAIT"
	case FlowStatusOverflow:
		return "OVFLW"
	}
	return fmt.Sprintf("FlowStatus(%d)", uint8(s))
}

// PDU is one decoded ISO-TP frame: SingleFrame, FirstFrame,
// ConsecutiveFrame or FlowControl.
type PDU interface {
	pdu()
}

type SingleFrame struct {
	Data []byte
}

type FirstFrame struct {
	Length uint32
	Data   []byte
}

type ConsecutiveFrame struct {
	Sequence uint8
	Data     []byte
}

type FlowControl struct {
	Status         FlowStatus
	BlockSize      uint8
	SeparationTime time.Duration
}

func (SingleFrame) pdu()      {}
func (FirstFrame) pdu()       {}
func (ConsecutiveFrame) pdu() {}
func (FlowControl) pdu()      {}

func malformed(format string, args ...interface{}) error {
	return MalformedFrameError{IsoTpError: NewIsoTpError(fmt.Sprintf(format, args...))}
}

func tooLarge(format string, args ...interface{}) error {
	return PayloadTooLargeError{IsoTpError: NewIsoTpError(fmt.Sprintf(format, args...))}
}

// DecodePDU parses the data bytes of one CAN frame. Returned slices alias
// payload.
func DecodePDU(payload []byte) (PDU, error) {
	if len(payload) == 0 {
		return nil, malformed("empty frame")
	}

	switch payload[0] & 0xF0 {
	case pciTypeSingleFrame:
		length := int(payload[0] & 0x0F)
		if length == 0 && len(payload) > 8 {
			// CAN FD 使用长度转义
			length = int(payload[1])
			if length == 0 || length > len(payload)-2 {
				return nil, malformed("SF(FD) length %d inconsistent with %d data bytes", length, len(payload)-2)
			}
			return SingleFrame{Data: payload[2 : 2+length]}, nil
		}
		if length > len(payload)-1 {
			return nil, malformed("SF length %d inconsistent with %d data bytes", length, len(payload)-1)
		}
		return SingleFrame{Data: payload[1 : 1+length]}, nil

	case pciTypeFirstFrame:
		if len(payload) < 2 {
			return nil, malformed("FF长度不足2字节")
		}
		length := uint32(payload[0]&0x0F)<<8 | uint32(payload[1])
		dataStart := 2
		if length == 0 { // 32-bit length
			if len(payload) < 6 {
				return nil, malformed("FF(long)长度不足6字节")
			}
			length = binary.BigEndian.Uint32(payload[2:6])
			dataStart = 6
			if length == 0 {
				return nil, malformed("FF with zero escaped length")
			}
		}
		data := payload[dataStart:]
		if int64(length) <= int64(len(data)) {
			return nil, malformed("FF length %d fits in the first frame itself", length)
		}
		return FirstFrame{Length: length, Data: data}, nil

	case pciTypeConsecutiveFrame:
		return ConsecutiveFrame{Sequence: payload[0] & 0x0F, Data: payload[1:]}, nil

	case pciTypeFlowControl:
		if len(payload) < 3 {
			return nil, malformed("FC长度不足3字节")
		}
		status := FlowStatus(payload[0] & 0x0F)
		if status > FlowStatusOverflow {
			return nil, malformed("unknown flow status %d", status)
		}
		return FlowControl{
			Status:         status,
			BlockSize:      payload[1],
			SeparationTime: DecodeSTmin(payload[2]),
		}, nil
	}
	return nil, malformed("未知PCI类型: 0x%02X", payload[0]&0xF0)
}

// MaxSingleFrameLength is the largest payload that fits a single frame of
// the given link-layer data length.
func MaxSingleFrameLength(dataLength int) int {
	if dataLength <= 8 {
		return dataLength - 1
	}
	return dataLength - 2
}

// firstFrameChunk is how many payload bytes the first frame carries.
func firstFrameChunk(total int, dataLength int) int {
	if total > maxShortFirstFrameLength {
		return dataLength - 6
	}
	return dataLength - 2
}

// EncodeSingleFrame 创建单帧的数据负载
func EncodeSingleFrame(data []byte, dataLength int) ([]byte, error) {
	n := len(data)
	if n <= 7 && n+1 <= dataLength {
		payload := make([]byte, 0, n+1)
		payload = append(payload, pciTypeSingleFrame|byte(n))
		return append(payload, data...), nil
	}
	if dataLength > 8 && n <= dataLength-2 {
		payload := make([]byte, 0, n+2)
		payload = append(payload, pciTypeSingleFrame, byte(n))
		return append(payload, data...), nil
	}
	return nil, tooLarge("单帧数据长度 (%d) 超过最大限制 (%d)", n, MaxSingleFrameLength(dataLength))
}

// EncodeFirstFrame 创建首帧的数据负载. Totals above 4095 use the escaped
// 32-bit length.
func EncodeFirstFrame(total int, chunk []byte) ([]byte, error) {
	if total < 0 || int64(total) > maxFirstFrameLength {
		return nil, tooLarge("message length %d exceeds 32-bit first frame length", total)
	}
	if len(chunk) >= total {
		return nil, tooLarge("first frame chunk of %d bytes covers the whole %d byte message", len(chunk), total)
	}
	var pci []byte
	if total <= maxShortFirstFrameLength { // 12-bit length
		pci = []byte{
			pciTypeFirstFrame | byte(total>>8&0x0F),
			byte(total & 0xFF),
		}
	} else {
		pci = make([]byte, 6)
		pci[0] = pciTypeFirstFrame
		binary.BigEndian.PutUint32(pci[2:], uint32(total))
	}
	payload := make([]byte, 0, len(pci)+len(chunk))
	payload = append(payload, pci...)
	return append(payload, chunk...), nil
}

// EncodeConsecutiveFrame 创建连续帧的数据负载; only the low nibble of seq is used.
func EncodeConsecutiveFrame(seq uint8, chunk []byte) []byte {
	payload := make([]byte, 0, 1+len(chunk))
	payload = append(payload, pciTypeConsecutiveFrame|seq&0x0F)
	return append(payload, chunk...)
}

// EncodeFlowControl 创建流控帧的数据负载
func EncodeFlowControl(status FlowStatus, blockSize uint8, st time.Duration) []byte {
	return []byte{pciTypeFlowControl | byte(status), blockSize, EncodeSTmin(st)}
}

// DecodeSTmin converts the STmin byte of a flow control frame.
func DecodeSTmin(b byte) time.Duration {
	if b <= 0x7F {
		return time.Duration(b) * time.Millisecond
	}
	if b >= 0xF1 && b <= 0xF9 {
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	// Reserved values are interpreted as the max (127ms)
	return 127 * time.Millisecond
}

// EncodeSTmin rounds d up to the next representable STmin value.
func EncodeSTmin(d time.Duration) byte {
	switch {
	case d <= 0:
		return 0
	case d < time.Millisecond:
		steps := (d + 100*time.Microsecond - 1) / (100 * time.Microsecond)
		if steps > 9 {
			return 1
		}
		return 0xF0 + byte(steps)
	case d >= 127*time.Millisecond:
		return 0x7F
	}
	return byte((d + time.Millisecond - 1) / time.Millisecond)
}

// frameLength returns the link-layer length for n data bytes. Classic frames
// pad to 8 only when a padding byte is set; CAN FD frames longer than 8 bytes
// always round up to a valid FD length.
func frameLength(n int, params ProtocolParameters) int {
	if params.Padding != nil {
		if !params.IsFD() {
			return 8
		}
		if n <= 8 {
			return 8
		}
	}
	if n <= 8 {
		return n
	}
	return nearestFDSize(n)
}

func nearestFDSize(n int) int {
	for _, size := range []int{8, 12, 16, 20, 24, 32, 48, 64} {
		if n <= size {
			return size
		}
	}
	return 64
}
