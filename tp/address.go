package tp

import "fmt"

const (
	sffMask uint32 = 0x7FF
	effMask uint32 = 0x1FFFFFFF
)

// 11位标准帧 OBD/UDS 地址
const (
	SFFECURequestBase    uint32 = 0x7E0
	SFFECUResponseBase   uint32 = 0x7E8
	SFFFunctionalAddress uint32 = 0x7DF
)

// 29位扩展帧地址字段
const (
	EFFDefaultPriority uint8 = 0x18

	EFFTypePhysicalAddressing   uint8 = 0xDA // NormalFixed, 18DA[TA][SA]
	EFFTypeFunctionalAddressing uint8 = 0xDB // NormalFixed, 18DB[TA][SA]
	EFFTypeMixedPhysical        uint8 = 0xCE // Mixed, 18CE[TA][SA]
	EFFTypeMixedFunctional      uint8 = 0xCD // Mixed, 18CD[TA][SA]

	DestinationEFFTestEquipment uint8 = 0xF1
	DestinationEFFFunctional    uint8 = 0x33
)

// ECU 编号，用作 SFF 请求/响应基址的偏移
const (
	DestinationECU1 uint8 = iota
	DestinationECU2
	DestinationECU3
	DestinationECU4
	DestinationECU5
	DestinationECU6
	DestinationECU7
	DestinationECU8
)

// Address is one CAN identifier together with its frame format.
type Address struct {
	ID       uint32
	Extended bool
}

// NewAddress validates id against the 11 or 29 bit identifier width.
func NewAddress(id uint32, extended bool) (Address, error) {
	a := Address{ID: id, Extended: extended}
	if err := a.Validate(); err != nil {
		return Address{}, err
	}
	return a, nil
}

// SFF returns an 11-bit address.
func SFF(id uint32) (Address, error) { return NewAddress(id, false) }

// EFF returns a 29-bit address.
func EFF(id uint32) (Address, error) { return NewAddress(id, true) }

// MustSFF is SFF for constant identifiers; it panics on invalid input.
func MustSFF(id uint32) Address {
	a, err := SFF(id)
	if err != nil {
		panic(err)
	}
	return a
}

// MustEFF is EFF for constant identifiers; it panics on invalid input.
func MustEFF(id uint32) Address {
	a, err := EFF(id)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) Validate() error {
	mask := sffMask
	kind := "11-bit"
	if a.Extended {
		mask = effMask
		kind = "29-bit"
	}
	if a.ID&^mask != 0 {
		return InvalidAddressError{IsoTpError: NewIsoTpError(fmt.Sprintf("id 0x%X exceeds %s identifier", a.ID, kind))}
	}
	return nil
}

// IsFunctional reports whether the address is a functional (broadcast) id.
func (a Address) IsFunctional() bool {
	if !a.Extended {
		return a.ID == SFFFunctionalAddress
	}
	t := uint8(a.ID >> 16)
	return t == EFFTypeFunctionalAddressing || t == EFFTypeMixedFunctional
}

func (a Address) String() string {
	if a.Extended {
		return fmt.Sprintf("0x%08X", a.ID)
	}
	return fmt.Sprintf("0x%03X", a.ID)
}

// AddressPair names a channel: frames are sent with Tx and received on Rx.
type AddressPair struct {
	Tx Address
	Rx Address
}

// NewAddressPair validates both addresses.
func NewAddressPair(tx, rx Address) (AddressPair, error) {
	if err := tx.Validate(); err != nil {
		return AddressPair{}, err
	}
	if err := rx.Validate(); err != nil {
		return AddressPair{}, err
	}
	return AddressPair{Tx: tx, Rx: rx}, nil
}

func (p AddressPair) String() string {
	return fmt.Sprintf("%s->%s", p.Tx, p.Rx)
}

// SFFRequest returns the physical request id of ECU n (0x7E0 + n).
func SFFRequest(ecu uint8) (Address, error) {
	if ecu > DestinationECU8 {
		return Address{}, InvalidAddressError{IsoTpError: NewIsoTpError(fmt.Sprintf("ECU index %d out of range 0..7", ecu))}
	}
	return SFF(SFFECURequestBase + uint32(ecu))
}

// SFFResponse returns the physical response id of ECU n (0x7E8 + n).
func SFFResponse(ecu uint8) (Address, error) {
	if ecu > DestinationECU8 {
		return Address{}, InvalidAddressError{IsoTpError: NewIsoTpError(fmt.Sprintf("ECU index %d out of range 0..7", ecu))}
	}
	return SFF(SFFECUResponseBase + uint32(ecu))
}

// EFFAddress composes a 29-bit identifier: priority | type | receiver | sender.
// Priority is the top byte and only its low 5 bits fit the identifier.
func EFFAddress(priority, addrType, receiver, sender uint8) (Address, error) {
	if priority > 0x1F {
		return Address{}, InvalidAddressError{IsoTpError: NewIsoTpError(fmt.Sprintf("priority 0x%X exceeds 5 bits", priority))}
	}
	id := uint32(priority)<<24 | uint32(addrType)<<16 | uint32(receiver)<<8 | uint32(sender)
	return EFF(id)
}

// PhysicalEFF returns the NormalFixed physical id 18DA[TA][SA].
func PhysicalEFF(target, source uint8) Address {
	a, _ := EFFAddress(EFFDefaultPriority, EFFTypePhysicalAddressing, target, source)
	return a
}

// FunctionalEFF returns the NormalFixed functional id 18DB[TA][SA].
func FunctionalEFF(target, source uint8) Address {
	a, _ := EFFAddress(EFFDefaultPriority, EFFTypeFunctionalAddressing, target, source)
	return a
}

// ReturnAddress derives the id a peer answers on when we send on a.
// SFF request ids 0x7E0..0x7E7 map to 0x7E8..0x7EF and back. 29-bit ids swap
// receiver and sender, turning functional types into physical ones.
func ReturnAddress(a Address) (Address, error) {
	if err := a.Validate(); err != nil {
		return Address{}, err
	}
	if !a.Extended {
		switch {
		case a.ID >= SFFECURequestBase && a.ID < SFFECURequestBase+8:
			return SFF(a.ID + 8)
		case a.ID >= SFFECUResponseBase && a.ID < SFFECUResponseBase+8:
			return SFF(a.ID - 8)
		}
		return Address{}, InvalidAddressError{IsoTpError: NewIsoTpError(fmt.Sprintf("no return address for %s", a))}
	}
	priority := uint8(a.ID >> 24)
	addrType := uint8(a.ID >> 16)
	receiver := uint8(a.ID >> 8)
	sender := uint8(a.ID)
	switch addrType {
	case EFFTypeFunctionalAddressing:
		addrType = EFFTypePhysicalAddressing
	case EFFTypeMixedFunctional:
		addrType = EFFTypeMixedPhysical
	}
	return EFFAddress(priority, addrType, sender, receiver)
}
