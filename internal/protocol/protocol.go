// Package protocol is the stateless codec between logical relay actions and
// the RYN4's wire values. The board uses asymmetric encodings: the value
// written to command a channel ON (0x0100) is not the value read back to
// report that the channel is on (0x0001). Keep the two value spaces apart.
package protocol

import (
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

// Register map.
const (
	// Write side: one command register per channel, 1-based.
	RegChannelBase uint16 = 0x0001
	// Read side: status responses come back 0-based.
	RegReadBase uint16 = 0x0000

	// Bit i of the bitmap is channel i+1.
	RegStatusBitmap uint16 = 0x0080

	RegDeviceType    uint16 = 0x00F0
	RegFirmwareMajor uint16 = 0x00F1
	RegFirmwareMinor uint16 = 0x00F2
	RegFactoryReset  uint16 = 0x00FB
	RegReplyDelay    uint16 = 0x00FC
	RegBusAddress    uint16 = 0x00FD
	RegBaudRate      uint16 = 0x00FE
	RegParity        uint16 = 0x00FF
)

// Write-side command values.
const (
	CmdOn        uint16 = 0x0100
	CmdOff       uint16 = 0x0200
	CmdToggle    uint16 = 0x0300
	CmdLatch     uint16 = 0x0400
	CmdMomentary uint16 = 0x0500
	// Delay commands carry the duration in the low byte. Seconds=0 is the
	// only command that cancels a running delay timer and forces OFF; a
	// plain CmdOff is ignored while a delay is active. Hardware behavior,
	// not ours to fix.
	CmdDelayBase uint16 = 0x0600
	// Broadcast register (0x0000) only.
	CmdAllOn  uint16 = 0x0700
	CmdAllOff uint16 = 0x0800
)

// Read-side status values. Deliberately distinct from the write side.
const (
	StatusOn  uint16 = 0x0001
	StatusOff uint16 = 0x0000
)

const FactoryResetValue uint16 = 0x0000

// Reply delay register granularity.
const (
	ReplyDelayUnitMs   = 40
	MaxReplyDelayUnits = 25
)

// MaxBusAddress is the highest DIP-switch address the board supports.
const MaxBusAddress uint8 = 0x3F

const MaxDelaySeconds = 255

// EncodeCommand maps a logical action to its write-side register value.
// Unknown actions are a programmer error: the action enum is closed and
// every external integer goes through ActionFromInt first.
func EncodeCommand(a model.RelayAction, delaySeconds uint8) uint16 {
	switch a {
	case model.ActionTurnOn:
		return CmdOn
	case model.ActionTurnOff:
		return CmdOff
	case model.ActionToggle:
		return CmdToggle
	case model.ActionLatch:
		return CmdLatch
	case model.ActionMomentary:
		return CmdMomentary
	case model.ActionDelay:
		return MakeDelayCommand(delaySeconds)
	case model.ActionAllOn:
		return CmdAllOn
	case model.ActionAllOff:
		return CmdAllOff
	}
	panic("protocol: unhandled relay action")
}

// DecodeStatus interprets a read-side status register value.
func DecodeStatus(v uint16) bool {
	return v == StatusOn
}

// BoolToCommand returns the write-side value for a desired state.
func BoolToCommand(on bool) uint16 {
	if on {
		return CmdOn
	}
	return CmdOff
}

func MakeDelayCommand(seconds uint8) uint16 {
	return CmdDelayBase | uint16(seconds)
}

func ExtractDelaySeconds(cmd uint16) uint8 {
	return uint8(cmd & 0x00FF)
}

func IsDelayCommand(cmd uint16) bool {
	return cmd&0xFF00 == CmdDelayBase
}

// ChannelRegister returns the write-side register for a 1-based channel.
func ChannelRegister(ch int) uint16 {
	return RegChannelBase + uint16(ch-1)
}

// ChannelFromReadRegister maps a read-side register address back to a
// 1-based channel. ok=false for addresses outside the channel block.
func ChannelFromReadRegister(addr uint16) (int, bool) {
	if addr >= RegReadBase && addr < RegReadBase+model.NumChannels {
		return int(addr-RegReadBase) + 1, true
	}
	return 0, false
}

// ActionFromInt is the checked conversion at the one boundary where raw
// integers enter the system (HTTP bodies, CLI flags). Internal code always
// carries the enum.
func ActionFromInt(v int) (model.RelayAction, bool) {
	if v < int(model.ActionTurnOff) || v > int(model.ActionAllOff) {
		return model.ActionTurnOff, false
	}
	return model.RelayAction(v), true
}

// ActionFromString parses the names RelayAction.String produces.
func ActionFromString(s string) (model.RelayAction, bool) {
	for a := model.ActionTurnOff; a <= model.ActionAllOff; a++ {
		if a.String() == s {
			return a, true
		}
	}
	return model.ActionTurnOff, false
}

func ReplyDelayToMs(units uint8) int {
	return int(units) * ReplyDelayUnitMs
}

// MsToReplyDelay rounds to the nearest 40 ms unit and clamps to the
// register's 0-25 range.
func MsToReplyDelay(ms int) uint8 {
	if ms < 0 {
		return 0
	}
	units := (ms + ReplyDelayUnitMs/2) / ReplyDelayUnitMs
	if units > MaxReplyDelayUnits {
		return MaxReplyDelayUnits
	}
	return uint8(units)
}

// BaudFromCode maps the baud register's 0-3 code to a line rate.
func BaudFromCode(code uint16) (int, bool) {
	switch code {
	case 0:
		return 9600, true
	case 1:
		return 19200, true
	case 2:
		return 38400, true
	case 3:
		return 115200, true
	}
	return 0, false
}

func CodeFromBaud(baud int) (uint16, bool) {
	switch baud {
	case 9600:
		return 0, true
	case 19200:
		return 1, true
	case 38400:
		return 2, true
	case 115200:
		return 3, true
	}
	return 0, false
}

func ParityFromCode(code uint16) (model.Parity, bool) {
	switch code {
	case 0:
		return model.ParityNone, true
	case 1:
		return model.ParityEven, true
	case 2:
		return model.ParityOdd, true
	}
	return model.ParityNone, false
}

func CodeFromParity(p model.Parity) uint16 {
	return uint16(p)
}
