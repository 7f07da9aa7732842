package transport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

type RTUConfig struct {
	Device   string // e.g. /dev/ttyUSB0
	BaudRate int
	Parity   model.Parity
	SlaveID  uint8
	Timeout  time.Duration
}

// RTU drives one RYN4 board over Modbus RTU on a half-duplex RS-485 line.
// One mutex is held for the full send+response round trip so a verified
// command can never interleave with a concurrent status poll.
type RTU struct {
	mu      sync.Mutex
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

func NewRTU(cfg RTUConfig) (*RTU, error) {
	h := modbus.NewRTUClientHandler(cfg.Device)
	h.BaudRate = cfg.BaudRate
	h.DataBits = 8
	h.Parity = parityFlag(cfg.Parity)
	h.StopBits = 1
	h.SlaveId = cfg.SlaveID
	h.Timeout = cfg.Timeout

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("failed to open serial device %s: %w", cfg.Device, err)
	}

	log.Info().
		Str("device", cfg.Device).
		Int("baud", cfg.BaudRate).
		Str("parity", cfg.Parity.String()).
		Uint8("slave_id", cfg.SlaveID).
		Msg("RTU transport connected")

	return &RTU{handler: h, client: modbus.NewClient(h)}, nil
}

func (r *RTU) ReadRegisters(addr, quantity uint16) ([]uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.client.ReadHoldingRegisters(addr, quantity)
	if err != nil {
		return nil, fmt.Errorf("read %d registers at 0x%04X: %w", quantity, addr, err)
	}
	return unpackRegisters(raw), nil
}

func (r *RTU) WriteRegister(addr, value uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.client.WriteSingleRegister(addr, value); err != nil {
		return fmt.Errorf("write 0x%04X to register 0x%04X: %w", value, addr, err)
	}
	return nil
}

func (r *RTU) WriteRegisters(addr uint16, values []uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.client.WriteMultipleRegisters(addr, uint16(len(values)), packRegisters(values)); err != nil {
		return fmt.Errorf("write %d registers at 0x%04X: %w", len(values), addr, err)
	}
	return nil
}

func (r *RTU) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler.Close()
}

// goburrow parity flags are N/E/O.
func parityFlag(p model.Parity) string {
	switch p {
	case model.ParityEven:
		return "E"
	case model.ParityOdd:
		return "O"
	default:
		return "N"
	}
}

func unpackRegisters(raw []byte) []uint16 {
	out := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		out = append(out, binary.BigEndian.Uint16(raw[i:i+2]))
	}
	return out
}

func packRegisters(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}
