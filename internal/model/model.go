package model

import (
	"errors"
	"time"
)

// NumChannels is the number of relay outputs on the RYN4 board.
const NumChannels = 8

// BroadcastChannel addresses all channels at once. Only AllOn, AllOff and
// batch command writes accept it.
const BroadcastChannel = 0

type RelayAction uint8

const (
	ActionTurnOff RelayAction = iota
	ActionTurnOn
	ActionToggle
	ActionLatch
	ActionMomentary
	ActionDelay
	ActionAllOn
	ActionAllOff
)

func (a RelayAction) String() string {
	switch a {
	case ActionTurnOff:
		return "off"
	case ActionTurnOn:
		return "on"
	case ActionToggle:
		return "toggle"
	case ActionLatch:
		return "latch"
	case ActionMomentary:
		return "momentary"
	case ActionDelay:
		return "delay"
	case ActionAllOn:
		return "all_on"
	case ActionAllOff:
		return "all_off"
	}
	return "unknown"
}

// Broadcast reports whether the action is only valid on the broadcast channel.
func (a RelayAction) Broadcast() bool {
	return a == ActionAllOn || a == ActionAllOff
}

type RelayMode uint8

const (
	ModeNormal RelayMode = iota
	ModeLatched
	ModeMomentary
	ModeDelay
)

func (m RelayMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeLatched:
		return "latched"
	case ModeMomentary:
		return "momentary"
	case ModeDelay:
		return "delay"
	}
	return "unknown"
}

// RelayChannel is the driver's picture of one output. StateConfirmed=false
// means "we commanded something and have not read it back yet", never
// "probably fine".
type RelayChannel struct {
	IsOn               bool
	Mode               RelayMode
	LastCommandSuccess bool
	StateConfirmed     bool
	LastUpdate         time.Time
}

type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	}
	return "unknown"
}

func ParityFromString(s string) (Parity, bool) {
	switch s {
	case "none":
		return ParityNone, true
	case "even":
		return ParityEven, true
	case "odd":
		return ParityOdd, true
	}
	return ParityNone, false
}

func ModeFromString(s string) (RelayMode, bool) {
	switch s {
	case "normal":
		return ModeNormal, true
	case "latched":
		return ModeLatched, true
	case "momentary":
		return ModeMomentary, true
	case "delay":
		return ModeDelay, true
	}
	return ModeNormal, false
}

// ModuleSettings mirrors the board's configuration block. Read once during
// initialization; only an explicit reconfiguration call changes it.
type ModuleSettings struct {
	Address         uint8
	BaudRate        int
	Parity          Parity
	ReplyDelayUnits uint8
}

// DeviceInfo is the identity block read from registers 0x00F0-0x00F2 plus
// the configuration block, used to check we are actually talking to an
// RYN4-family board wired the way the config says.
type DeviceInfo struct {
	DeviceType      uint16
	FirmwareMajor   uint8
	FirmwareMinor   uint8
	Address         uint8
	BaudRate        int
	Parity          Parity
	ReplyDelayUnits uint8
}

type LifecyclePhase string

const (
	PhaseUninitialized LifecyclePhase = "uninitialized"
	PhaseConfiguring   LifecyclePhase = "configuring"
	PhaseReady         LifecyclePhase = "ready"
	PhaseError         LifecyclePhase = "error"
	PhaseOffline       LifecyclePhase = "offline"
)

// PendingCommand is one queued relay command. Consumed exactly once by the
// command worker, never retained after processing.
type PendingCommand struct {
	Action       RelayAction
	Channel      int // 1..8, or BroadcastChannel for broadcast actions
	DelaySeconds uint8
	EnqueuedAt   time.Time
}

// ChannelCommand is one entry in a heterogeneous batch written with a single
// write-multiple transaction.
type ChannelCommand struct {
	Channel      int
	Action       RelayAction
	DelaySeconds uint8
}

// Driver error taxonomy. Wrapped with context at call sites; callers match
// with errors.Is.
var (
	ErrInvalidIndex   = errors.New("channel index out of range")
	ErrTransport      = errors.New("bus transport failure")
	ErrTimeout        = errors.New("timed out waiting for confirmation")
	ErrMutex          = errors.New("guard not acquired within bound")
	ErrNotInitialized = errors.New("device not initialized")
	ErrUnknown        = errors.New("command accepted but readback disagrees")
)

// ValidChannel reports whether ch is an addressable output.
func ValidChannel(ch int) bool {
	return ch >= 1 && ch <= NumChannels
}
