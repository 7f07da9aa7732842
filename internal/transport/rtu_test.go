package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

func TestRegisterPackingRoundTrip(t *testing.T) {
	values := []uint16{0x0100, 0x0600 | 10, 0x0000, 0xFFFF}

	packed := packRegisters(values)
	assert.Equal(t, []byte{0x01, 0x00, 0x06, 0x0A, 0x00, 0x00, 0xFF, 0xFF}, packed)
	assert.Equal(t, values, unpackRegisters(packed))
}

func TestUnpackRegistersIgnoresTrailingByte(t *testing.T) {
	assert.Equal(t, []uint16{0x0001}, unpackRegisters([]byte{0x00, 0x01, 0x99}))
	assert.Empty(t, unpackRegisters(nil))
}

func TestParityFlag(t *testing.T) {
	tests := []struct {
		parity model.Parity
		want   string
	}{
		{model.ParityNone, "N"},
		{model.ParityEven, "E"},
		{model.ParityOdd, "O"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, parityFlag(tt.parity))
		})
	}
}
