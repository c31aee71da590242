package tp

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	_, err := SFF(0x7FF)
	assert.NoError(t, err)
	_, err = EFF(0x1FFFFFFF)
	assert.NoError(t, err)

	_, err = SFF(0x800)
	var addrErr InvalidAddressError
	assert.True(t, errors.As(err, &addrErr))
	_, err = EFF(0x20000000)
	assert.True(t, errors.As(err, &addrErr))

	assert.Panics(t, func() { MustSFF(0x1000) })
	assert.Equal(t, "0x7E0", MustSFF(0x7E0).String())
	assert.Equal(t, "0x18DAF110", MustEFF(0x18DAF110).String())
}

func TestAddressHelpers(t *testing.T) {
	req, err := SFFRequest(DestinationECU2)
	require.NoError(t, err)
	assert.Equal(t, MustSFF(0x7E1), req)
	resp, err := SFFResponse(DestinationECU8)
	require.NoError(t, err)
	assert.Equal(t, MustSFF(0x7EF), resp)
	_, err = SFFRequest(8)
	assert.Error(t, err)

	assert.Equal(t, MustEFF(0x18DA10F1), PhysicalEFF(0x10, DestinationEFFTestEquipment))
	assert.Equal(t, MustEFF(0x18DB33F1), FunctionalEFF(DestinationEFFFunctional, DestinationEFFTestEquipment))
	_, err = EFFAddress(0x20, EFFTypePhysicalAddressing, 0, 0)
	assert.Error(t, err)

	assert.True(t, MustSFF(SFFFunctionalAddress).IsFunctional())
	assert.True(t, FunctionalEFF(0x33, 0xF1).IsFunctional())
	assert.False(t, PhysicalEFF(0x10, 0xF1).IsFunctional())
}

func TestReturnAddress(t *testing.T) {
	tests := []struct {
		name string
		in   Address
		want Address
	}{
		{name: "sff request", in: MustSFF(0x7E0), want: MustSFF(0x7E8)},
		{name: "sff response", in: MustSFF(0x7EF), want: MustSFF(0x7E7)},
		{name: "eff physical", in: MustEFF(0x18DA10F1), want: MustEFF(0x18DAF110)},
		{name: "eff functional", in: MustEFF(0x18DB33F1), want: MustEFF(0x18DAF133)},
		{name: "eff mixed functional", in: MustEFF(0x18CD33F1), want: MustEFF(0x18CEF133)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReturnAddress(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ReturnAddress(MustSFF(0x123))
	assert.Error(t, err)
}

func TestNewAddressPair(t *testing.T) {
	p, err := NewAddressPair(MustSFF(0x7E0), MustSFF(0x7E8))
	require.NoError(t, err)
	assert.Equal(t, "0x7E0->0x7E8", p.String())

	_, err = NewAddressPair(Address{ID: 0x800}, MustSFF(0x7E8))
	assert.Error(t, err)
}
